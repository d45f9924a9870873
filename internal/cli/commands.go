package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mattiIce/PBX-sub007/internal/ara"
	"github.com/mattiIce/PBX-sub007/internal/db"
	"github.com/mattiIce/PBX-sub007/internal/dialplan"
	"github.com/mattiIce/PBX-sub007/internal/models"
	"github.com/mattiIce/PBX-sub007/internal/trunk"
	"github.com/mattiIce/PBX-sub007/internal/trunkmgr"
)

var manager *trunkmgr.Manager

func InitCLI(m *trunkmgr.Manager) *cobra.Command {
	manager = m

	rootCmd := &cobra.Command{
		Use:   "trunkd",
		Short: "PBX Trunk Management",
		Long: `PBX Trunk Management System

Manage SIP trunks, outbound dial rules and trunk health monitoring.`,
	}

	// Trunk commands
	trunkCmd := &cobra.Command{
		Use:   "trunk",
		Short: "Manage trunks",
	}

	trunkAddCmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a new trunk",
		Args:  cobra.ExactArgs(1),
		Run:   addTrunk,
	}

	trunkAddCmd.Flags().StringP("name", "n", "", "Display name (defaults to id)")
	trunkAddCmd.Flags().StringP("host", "H", "", "Carrier host/IP (required)")
	trunkAddCmd.Flags().IntP("port", "p", 5060, "Carrier port")
	trunkAddCmd.Flags().StringP("username", "u", "", "Trunk username")
	trunkAddCmd.Flags().StringP("password", "P", "", "Trunk password")
	trunkAddCmd.Flags().StringP("codecs", "c", "ulaw,alaw", "Codecs (comma-separated)")
	trunkAddCmd.Flags().IntP("max-channels", "m", 30, "Max concurrent channels")
	trunkAddCmd.Flags().IntP("priority", "r", 100, "Failover priority (lower wins)")
	trunkAddCmd.Flags().Int("health-interval", 60, "Health check interval in seconds")

	trunkAddCmd.MarkFlagRequired("host")

	trunkListCmd := &cobra.Command{
		Use:   "list",
		Short: "List all trunks",
		Run:   listTrunks,
	}

	trunkShowCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show trunk details",
		Args:  cobra.ExactArgs(1),
		Run:   showTrunk,
	}

	trunkDeleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a trunk",
		Args:  cobra.ExactArgs(1),
		Run:   deleteTrunk,
	}

	trunkRegisterCmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a trunk with its carrier",
		Args:  cobra.ExactArgs(1),
		Run:   registerTrunk,
	}

	trunkDisableCmd := &cobra.Command{
		Use:   "disable <id>",
		Short: "Take a trunk out of service",
		Args:  cobra.ExactArgs(1),
		Run:   disableTrunk,
	}

	trunkEnableCmd := &cobra.Command{
		Use:   "enable <id>",
		Short: "Return a disabled trunk to service",
		Args:  cobra.ExactArgs(1),
		Run:   enableTrunk,
	}

	trunkCmd.AddCommand(trunkAddCmd, trunkListCmd, trunkShowCmd, trunkDeleteCmd,
		trunkRegisterCmd, trunkDisableCmd, trunkEnableCmd)

	// Rule commands
	ruleCmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage outbound dial rules",
	}

	ruleAddCmd := &cobra.Command{
		Use:   "add <id> <pattern> <trunk-id>",
		Short: "Add an outbound rule",
		Long:  "Add an outbound rule. Rules are evaluated in the order they were added; the first match wins.",
		Args:  cobra.ExactArgs(3),
		Run:   addRule,
	}

	ruleAddCmd.Flags().IntP("strip", "s", 0, "Digits to strip from the front of the number")
	ruleAddCmd.Flags().StringP("prepend", "a", "", "Digits to prepend after stripping")

	ruleListCmd := &cobra.Command{
		Use:   "list",
		Short: "List outbound rules in evaluation order",
		Run:   listRules,
	}

	ruleDeleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an outbound rule",
		Args:  cobra.ExactArgs(1),
		Run:   deleteRule,
	}

	ruleCmd.AddCommand(ruleAddCmd, ruleListCmd, ruleDeleteCmd)

	// Routing test command
	routeCmd := &cobra.Command{
		Use:   "route <number>",
		Short: "Show how a number would be routed",
		Args:  cobra.ExactArgs(1),
		Run:   routeNumber,
	}
	routeCmd.Flags().BoolP("failover", "f", false, "Use the failover routing path")

	// Stats and health
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-trunk call statistics",
		Run:   showStats,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show the fleet health summary",
		Run:   showHealth,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch trunk health in real time",
		Run:   monitorTrunks,
	}
	monitorCmd.Flags().IntP("interval", "i", 5, "Refresh interval in seconds")

	rootCmd.AddCommand(trunkCmd, ruleCmd, routeCmd, statsCmd, healthCmd, monitorCmd)

	return rootCmd
}

// Trunk command handlers
func addTrunk(cmd *cobra.Command, args []string) {
	id := args[0]

	name, _ := cmd.Flags().GetString("name")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	codecsStr, _ := cmd.Flags().GetString("codecs")
	maxChannels, _ := cmd.Flags().GetInt("max-channels")
	priority, _ := cmd.Flags().GetInt("priority")
	healthInterval, _ := cmd.Flags().GetInt("health-interval")

	if name == "" {
		name = id
	}

	codecs := strings.Split(codecsStr, ",")
	for i := range codecs {
		codecs[i] = strings.TrimSpace(codecs[i])
	}

	cfg := models.TrunkConfig{
		ID:                  id,
		Name:                name,
		Host:                host,
		Port:                port,
		Username:            username,
		Password:            password,
		Codecs:              codecs,
		MaxChannels:         maxChannels,
		Priority:            priority,
		HealthCheckInterval: time.Duration(healthInterval) * time.Second,
	}

	if _, err := manager.AddTrunk(cfg); err != nil {
		color.Red("Error: Failed to add trunk: %v", err)
		os.Exit(1)
	}

	if err := db.SaveTrunk(cfg, true); err != nil {
		color.Red("Error: Failed to persist trunk: %v", err)
		os.Exit(1)
	}

	if err := ara.NewManager().CreateTrunkEndpoint(cfg); err != nil {
		color.Red("Error: Failed to provision endpoint: %v", err)
		os.Exit(1)
	}

	color.Green("✓ Trunk '%s' added successfully", id)

	fmt.Println("\nTrunk Details:")
	fmt.Printf("  Host: %s:%d\n", host, port)

	if username != "" {
		fmt.Printf("  Auth: Username/Password\n")
	} else {
		fmt.Printf("  Auth: IP-based\n")
	}

	fmt.Printf("  Codecs: %s\n", strings.Join(codecs, ", "))
	fmt.Printf("  Max Channels: %d\n", maxChannels)
	fmt.Printf("  Priority: %d\n", priority)
}

func listTrunks(cmd *cobra.Command, args []string) {
	trunks := manager.Trunks()
	if len(trunks) == 0 {
		fmt.Println("No trunks found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Host:Port", "Channels", "Priority", "Status", "Health", "Success"})
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, t := range trunks {
		snap := t.Snapshot()

		table.Append([]string{
			snap.ID,
			snap.Name,
			fmt.Sprintf("%s:%d", snap.Host, snap.Port),
			fmt.Sprintf("%d/%d", snap.ChannelsInUse, snap.ChannelsAvailable),
			strconv.Itoa(snap.Priority),
			colorStatus(snap.Status),
			colorHealth(snap.Health),
			fmt.Sprintf("%.1f%%", snap.SuccessRate*100),
		})
	}

	table.Render()
	fmt.Printf("\nTotal: %d trunks\n", len(trunks))
}

func showTrunk(cmd *cobra.Command, args []string) {
	id := args[0]

	t, exists := manager.GetTrunk(id)
	if !exists {
		color.Red("Error: Trunk '%s' not found", id)
		os.Exit(1)
	}

	snap := t.Snapshot()
	metrics := t.Metrics()

	fmt.Printf("\nTrunk: %s (%s)\n", snap.ID, snap.Name)
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Host: %s:%d\n", snap.Host, snap.Port)
	fmt.Printf("Codecs: %s\n", strings.Join(snap.Codecs, ", "))
	fmt.Printf("Channels: %d in use / %d available (max %d)\n",
		snap.ChannelsInUse, snap.ChannelsAvailable, snap.MaxChannels)
	fmt.Printf("Priority: %d\n", snap.Priority)
	fmt.Printf("Status: %s\n", colorStatus(snap.Status))
	fmt.Printf("Health: %s\n", colorHealth(snap.Health))
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Total Calls: %d\n", metrics.TotalCalls)
	fmt.Printf("Successful: %d\n", metrics.SuccessfulCalls)
	fmt.Printf("Failed: %d\n", metrics.FailedCalls)
	fmt.Printf("Success Rate: %.1f%%\n", metrics.SuccessRate*100)
	fmt.Printf("Consecutive Failures: %d\n", metrics.ConsecutiveFailures)
	fmt.Printf("Avg Setup Time: %v\n", metrics.AverageSetupTime)
	fmt.Printf("Failovers: %d\n", metrics.FailoverCount)

	if !metrics.LastSuccessfulCall.IsZero() {
		fmt.Printf("Last Success: %s\n", metrics.LastSuccessfulCall.Format("2006-01-02 15:04:05"))
	}
	if !metrics.LastFailedCall.IsZero() {
		fmt.Printf("Last Failure: %s\n", metrics.LastFailedCall.Format("2006-01-02 15:04:05"))
	}
	if !metrics.LastHealthCheck.IsZero() {
		fmt.Printf("Last Health Check: %s\n", metrics.LastHealthCheck.Format("2006-01-02 15:04:05"))
	}
}

func deleteTrunk(cmd *cobra.Command, args []string) {
	id := args[0]

	fmt.Printf("Are you sure you want to delete trunk '%s'? [y/N]: ", id)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))

	if response != "y" && response != "yes" {
		fmt.Println("Deletion cancelled")
		return
	}

	if err := db.DeleteTrunk(id); err != nil {
		color.Red("Error: Failed to delete trunk: %v", err)
		os.Exit(1)
	}
	ara.NewManager().DeleteTrunkEndpoint(id)
	manager.RemoveTrunk(id)

	color.Green("✓ Trunk '%s' deleted successfully", id)
}

func registerTrunk(cmd *cobra.Command, args []string) {
	id := args[0]

	t, exists := manager.GetTrunk(id)
	if !exists {
		color.Red("Error: Trunk '%s' not found", id)
		os.Exit(1)
	}

	t.Register()
	color.Green("✓ Trunk '%s' registered", id)
}

func disableTrunk(cmd *cobra.Command, args []string) {
	id := args[0]

	t, exists := manager.GetTrunk(id)
	if !exists {
		color.Red("Error: Trunk '%s' not found", id)
		os.Exit(1)
	}

	t.Disable()
	if err := db.SaveTrunk(t.Config(), false); err != nil {
		color.Red("Error: Failed to persist trunk: %v", err)
	}
	color.Green("✓ Trunk '%s' disabled", id)
}

func enableTrunk(cmd *cobra.Command, args []string) {
	id := args[0]

	t, exists := manager.GetTrunk(id)
	if !exists {
		color.Red("Error: Trunk '%s' not found", id)
		os.Exit(1)
	}

	t.Enable()
	if err := db.SaveTrunk(t.Config(), true); err != nil {
		color.Red("Error: Failed to persist trunk: %v", err)
	}
	color.Green("✓ Trunk '%s' enabled (register it to take traffic)", id)
}

// Rule command handlers
func addRule(cmd *cobra.Command, args []string) {
	id, pattern, trunkID := args[0], args[1], args[2]

	strip, _ := cmd.Flags().GetInt("strip")
	prepend, _ := cmd.Flags().GetString("prepend")

	rule, err := dialplan.NewOutboundRule(id, pattern, trunkID, strip, prepend)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	if _, exists := manager.GetTrunk(trunkID); !exists {
		color.Yellow("Warning: Trunk '%s' does not exist yet; rule will not route until it does", trunkID)
	}

	manager.AddOutboundRule(rule)
	if err := db.SaveRule(id, pattern, trunkID, strip, prepend, len(manager.Rules())-1); err != nil {
		color.Red("Error: Failed to persist rule: %v", err)
		os.Exit(1)
	}

	color.Green("✓ Rule '%s' added: /%s/ -> %s", id, pattern, trunkID)
}

func listRules(cmd *cobra.Command, args []string) {
	rules := manager.Rules()
	if len(rules) == 0 {
		fmt.Println("No outbound rules found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "ID", "Pattern", "Trunk", "Strip", "Prepend"})
	table.SetBorder(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i, r := range rules {
		table.Append([]string{
			strconv.Itoa(i + 1),
			r.ID,
			r.Pattern,
			r.TrunkID,
			strconv.Itoa(r.Strip),
			r.Prepend,
		})
	}

	table.Render()
	fmt.Printf("\nTotal: %d rules (evaluated top to bottom, first match wins)\n", len(rules))
}

func deleteRule(cmd *cobra.Command, args []string) {
	id := args[0]

	if err := db.DeleteRule(id); err != nil {
		color.Red("Error: Failed to delete rule: %v", err)
		os.Exit(1)
	}
	manager.RemoveOutboundRule(id)

	color.Green("✓ Rule '%s' deleted successfully", id)
}

// Routing test
func routeNumber(cmd *cobra.Command, args []string) {
	number := args[0]
	failover, _ := cmd.Flags().GetBool("failover")

	var err error
	var dial string
	var t *trunk.Trunk

	if failover {
		t, dial, err = manager.RouteOutboundWithFailover(number)
	} else {
		t, dial, err = manager.RouteOutbound(number)
	}

	if err != nil {
		color.Red("No route: %v", err)
		os.Exit(1)
	}

	color.Green("✓ %s routes via trunk %s (%s), dialing %s", number, t.ID(), t.Name(), dial)
}

// Stats and health handlers
func showStats(cmd *cobra.Command, args []string) {
	trunks := manager.Trunks()
	if len(trunks) == 0 {
		fmt.Println("No trunks found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Trunk", "Total", "Success", "Failed", "Rate", "Consec Fail", "Avg Setup", "Failovers"})
	table.SetBorder(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, t := range trunks {
		m := t.Metrics()
		table.Append([]string{
			t.ID(),
			strconv.FormatInt(m.TotalCalls, 10),
			strconv.FormatInt(m.SuccessfulCalls, 10),
			strconv.FormatInt(m.FailedCalls, 10),
			fmt.Sprintf("%.1f%%", m.SuccessRate*100),
			strconv.Itoa(m.ConsecutiveFailures),
			m.AverageSetupTime.String(),
			strconv.FormatInt(m.FailoverCount, 10),
		})
	}

	table.Render()
}

func showHealth(cmd *cobra.Command, args []string) {
	summary := manager.FleetHealth()

	fmt.Println("\nFleet Health Summary")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Trunks: %d\n", summary.TotalTrunks)
	fmt.Printf("  %s: %d\n", colorHealth(models.HealthHealthy), summary.HealthCounts[models.HealthHealthy])
	fmt.Printf("  %s: %d\n", colorHealth(models.HealthWarning), summary.HealthCounts[models.HealthWarning])
	fmt.Printf("  %s: %d\n", colorHealth(models.HealthCritical), summary.HealthCounts[models.HealthCritical])
	fmt.Printf("  %s: %d\n", colorHealth(models.HealthDown), summary.HealthCounts[models.HealthDown])
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Total Calls: %d\n", summary.TotalCalls)
	fmt.Printf("Successful: %d\n", summary.SuccessfulCalls)
	fmt.Printf("Failed: %d\n", summary.FailedCalls)
	fmt.Printf("Overall Success Rate: %.1f%%\n", summary.OverallSuccessRate*100)
}

func monitorTrunks(cmd *cobra.Command, args []string) {
	interval, _ := cmd.Flags().GetInt("interval")
	if interval < 1 {
		interval = 5
	}

	for {
		fmt.Print("\033[H\033[2J") // clear screen
		fmt.Printf("Trunk Monitor - %s (refresh %ds, Ctrl+C to exit)\n\n",
			time.Now().Format("15:04:05"), interval)

		listTrunks(cmd, nil)
		time.Sleep(time.Duration(interval) * time.Second)
	}
}

func colorStatus(s models.RegistrationState) string {
	switch s {
	case models.RegistrationRegistered:
		return color.GreenString(string(s))
	case models.RegistrationFailed, models.RegistrationDisabled:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func colorHealth(h models.HealthState) string {
	switch h {
	case models.HealthHealthy:
		return color.GreenString(string(h))
	case models.HealthWarning:
		return color.YellowString(string(h))
	case models.HealthCritical:
		return color.HiRedString(string(h))
	default:
		return color.RedString(string(h))
	}
}
