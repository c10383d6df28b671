package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshmon/internal/alert"
	"meshmon/internal/config"
	"meshmon/internal/conn"
	"meshmon/internal/history"
	"meshmon/internal/model"
	"meshmon/internal/registry"
	"meshmon/internal/sampler"
)

var (
	configPath string

	flagTCPHost    string
	flagTCPPort    int
	flagSerialPort string
	flagInterval   int
	flagMode       string
	flagNode       string
	flagWindow     time.Duration
	flagOut        string
	flagRemove     bool
	flagFavorites  bool
)

func main() {
	root := &cobra.Command{
		Use:           "meshmon",
		Short:         "Mesh network monitor: polls a gateway radio for node telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "meshmon.yaml", "path to YAML config")

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample the mesh once or continuously",
		RunE:  runSample,
	}
	sampleCmd.Flags().StringVar(&flagMode, "mode", "continuous", "sampling mode: oneshot or continuous")
	sampleCmd.Flags().IntVar(&flagInterval, "interval", 0, "refresh interval in seconds (continuous mode)")
	sampleCmd.Flags().StringVar(&flagTCPHost, "tcp-host", "", "gateway TCP host")
	sampleCmd.Flags().IntVar(&flagTCPPort, "tcp-port", 0, "gateway TCP port")
	sampleCmd.Flags().StringVar(&flagSerialPort, "serial-port", "", "gateway serial device (tried before TCP)")
	sampleCmd.Flags().BoolVar(&flagFavorites, "favorites", false, "show favorite nodes only (oneshot)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the gateway connection and report status",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&flagTCPHost, "tcp-host", "", "gateway TCP host")
	statusCmd.Flags().IntVar(&flagTCPPort, "tcp-port", 0, "gateway TCP port")
	statusCmd.Flags().StringVar(&flagSerialPort, "serial-port", "", "gateway serial device (tried before TCP)")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Print persisted samples for a node",
		RunE:  runHistory,
	}
	historyCmd.Flags().StringVar(&flagNode, "node", "", "node ID (required)")
	historyCmd.Flags().DurationVar(&flagWindow, "window", 24*time.Hour, "look-back window")
	historyCmd.MarkFlagRequired("node")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Battery trend summary over the sample history",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVar(&flagNode, "node", "", "limit to one node ID")
	statsCmd.Flags().DurationVar(&flagWindow, "window", 24*time.Hour, "look-back window")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the sample history",
	}
	exportCSVCmd := &cobra.Command{
		Use:   "csv",
		Short: "Row-oriented CSV export",
		RunE:  func(cmd *cobra.Command, args []string) error { return runExport("csv") },
	}
	exportSnapCmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Nested JSON-lines snapshot export",
		RunE:  func(cmd *cobra.Command, args []string) error { return runExport("snapshots") },
	}
	for _, c := range []*cobra.Command{exportCSVCmd, exportSnapCmd} {
		c.Flags().StringVar(&flagOut, "out", "", "output file (required)")
		c.Flags().DurationVar(&flagWindow, "window", 7*24*time.Hour, "look-back window")
		c.MarkFlagRequired("out")
		exportCmd.AddCommand(c)
	}

	favoriteCmd := &cobra.Command{
		Use:   "favorite <node-id>",
		Short: "Mark or unmark a node as favorite",
		Args:  cobra.ExactArgs(1),
		RunE:  runFavorite,
	}
	favoriteCmd.Flags().BoolVar(&flagRemove, "remove", false, "remove the favorite mark")

	root.AddCommand(sampleCmd, statusCmd, historyCmd, statsCmd, exportCmd, favoriteCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config (env override wins over the flag) and
// applies CLI overrides in the usual flag-beats-file order.
func loadConfig() (config.Config, error) {
	path := configPath
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		path = env
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if flagTCPHost != "" {
		cfg.TCPHost = flagTCPHost
	}
	if flagTCPPort != 0 {
		cfg.TCPPort = flagTCPPort
	}
	if flagSerialPort != "" {
		cfg.SerialPort = flagSerialPort
	}
	if flagInterval != 0 {
		cfg.RefreshIntervalSec = flagInterval
	}

	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func targetFrom(cfg config.Config) conn.Target {
	return conn.Target{
		SerialPort:  cfg.SerialPort,
		TCPHost:     cfg.TCPHost,
		TCPPort:     cfg.TCPPort,
		DialTimeout: time.Duration(cfg.DialTimeoutSec) * time.Second,
	}
}

func thresholdsFrom(cfg config.Config) alert.Thresholds {
	return alert.Thresholds{
		Battery:         cfg.BatteryAlertThreshold,
		BatteryMargin:   cfg.BatteryAlertMargin,
		ActiveThreshold: time.Duration(cfg.ActiveThresholdHours) * time.Hour,
	}
}

func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	reg := registry.New(registry.Options{
		ActiveThreshold:       time.Duration(cfg.ActiveThresholdHours) * time.Hour,
		BatteryAlertThreshold: cfg.BatteryAlertThreshold,
	})
	favorites, err := registry.LoadFavorites(favoritesPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("loading favorites: %w", err)
	}
	reg.ApplyFavorites(favorites)
	return reg, nil
}

func favoritesPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "favorites.yaml")
}

func runSample(cmd *cobra.Command, args []string) error {
	if flagMode != "oneshot" && flagMode != "continuous" {
		return fmt.Errorf("invalid --mode %q (oneshot or continuous)", flagMode)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	store, err := history.Open(config.HistoryPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	manager := conn.NewManager(time.Duration(cfg.FetchTimeoutSec) * time.Second)
	defer manager.Disconnect()
	smp := sampler.New(manager, targetFrom(cfg), reg, store, thresholdsFrom(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flagMode == "oneshot" {
		if err := smp.RunOnce(ctx); err != nil {
			return err
		}
		views := reg.ListAll()
		if flagFavorites {
			views = reg.ListFavorites()
		}
		printSnapshot(views, smp.Alerts())
		return nil
	}

	fmt.Printf("sampling every %ds, ctrl-c to stop\n", cfg.RefreshIntervalSec)
	err = smp.Run(ctx, time.Duration(cfg.RefreshIntervalSec)*time.Second)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	manager := conn.NewManager(time.Duration(cfg.FetchTimeoutSec) * time.Second)
	defer manager.Disconnect()

	// One probe cycle, no persistence: exercises the full connect+fetch
	// path so the status reflects a live gateway, not just a dial.
	smp := sampler.New(manager, targetFrom(cfg), reg, nil, thresholdsFrom(cfg))
	probeErr := smp.RunOnce(context.Background())

	printStatus(manager.Status())
	printTick(smp.LastTick())
	return probeErr
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(config.HistoryPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	samples, err := store.QueryRange(flagNode, now.Add(-flagWindow), now)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Printf("no samples for %s in the last %s\n", flagNode, flagWindow)
		return nil
	}
	for _, s := range samples {
		fmt.Println(formatSample(s))
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(config.HistoryPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	since := now.Add(-flagWindow)

	var samples []model.Sample
	if flagNode != "" {
		samples, err = store.QueryRange(flagNode, since, now)
	} else {
		samples, err = store.QueryAllRange(since, now)
	}
	if err != nil {
		return err
	}

	sum := history.Summarize(samples, since)
	if sum.Count == 0 {
		fmt.Printf("no samples in the last %s\n", flagWindow)
		return nil
	}
	fmt.Printf("samples:   %d (%s .. %s)\n", sum.Count, sum.From.Local().Format(time.RFC3339), sum.To.Local().Format(time.RFC3339))
	fmt.Printf("battery:   min %d%%  avg %.1f%%  max %d%%\n", sum.MinBattery, sum.AvgBattery, sum.MaxBattery)
	fmt.Printf("voltage:   avg %.3fV\n", sum.AvgVoltage)
	fmt.Printf("charging:  %.0f%% of samples\n", sum.ChargingRatio*100)
	return nil
}

func runExport(form string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.Open(config.HistoryPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	samples, err := store.QueryAllRange(now.Add(-flagWindow), now)
	if err != nil {
		return err
	}

	file, err := os.Create(flagOut)
	if err != nil {
		return err
	}
	defer file.Close()

	switch form {
	case "csv":
		err = history.ExportCSV(file, samples)
	case "snapshots":
		err = history.ExportSnapshots(file, samples)
	}
	if err != nil {
		return err
	}
	fmt.Printf("exported %d samples to %s\n", len(samples), flagOut)
	return nil
}

func runFavorite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := favoritesPath(cfg)
	favorites, err := registry.LoadFavorites(path)
	if err != nil {
		return err
	}

	nodeID := args[0]
	set := make(map[string]bool, len(favorites))
	for _, id := range favorites {
		set[id] = true
	}
	if flagRemove {
		delete(set, nodeID)
	} else {
		set[nodeID] = true
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	if err := registry.SaveFavorites(path, ids); err != nil {
		return err
	}
	if flagRemove {
		fmt.Printf("%s is no longer a favorite\n", nodeID)
	} else {
		fmt.Printf("%s marked as favorite\n", nodeID)
	}
	return nil
}

func printStatus(status model.ConnStatus) {
	fmt.Printf("state:     %s\n", status.State)
	if status.Transport != "" {
		fmt.Printf("transport: %s %s\n", status.Transport, status.Endpoint)
	}
	if status.LastError != "" {
		fmt.Printf("last err:  %s\n", status.LastError)
	}
	fmt.Printf("since:     %s\n", status.ChangedAt.Local().Format(time.RFC3339))
}

func printTick(st sampler.TickStatus) {
	fmt.Printf("probe:     %d nodes seen, %d changed, %d active alerts\n",
		st.NodesSeen, st.NodesChanged, st.ActiveAlerts)
	if st.Err != "" {
		fmt.Printf("probe err: %s\n", st.Err)
	}
}

func printSnapshot(views []model.NodeView, alerts alert.Set) {
	if len(views) == 0 {
		fmt.Println("no nodes known")
		return
	}
	for _, v := range views {
		marker := " "
		if v.IsFavorite {
			marker = "*"
		}
		active := "stale"
		if v.IsActive {
			active = "active"
		}
		fmt.Printf("%s %-10s %-24s %-14s %s %s %s %s\n",
			marker, v.NodeID, v.LongName, v.HardwareModel,
			formatBattery(v), formatUptime(v.UptimeSeconds), active, alertMarks(alerts, v.NodeID))
	}
}

func formatBattery(v model.NodeView) string {
	if v.IsCharging != nil && *v.IsCharging {
		return " chg"
	}
	if v.BatteryLevel == nil {
		return "  --"
	}
	return fmt.Sprintf("%3d%%", *v.BatteryLevel)
}

func formatUptime(uptime *int64) string {
	if uptime == nil {
		return "up      --"
	}
	return fmt.Sprintf("up %6.1fh", float64(*uptime)/3600)
}

func alertMarks(alerts alert.Set, nodeID string) string {
	out := ""
	if alerts.Has(nodeID, alert.KindLowBattery) {
		out += " LOW-BATT"
	}
	if alerts.Has(nodeID, alert.KindStale) {
		out += " STALE"
	}
	return out
}

func formatSample(s model.Sample) string {
	return fmt.Sprintf("%s  batt=%s volt=%s chg=%s up=%s",
		s.Timestamp.Local().Format(time.RFC3339),
		orDash(s.BatteryLevel), orDashF(s.Voltage), orDashB(s.IsCharging), orDash64(s.UptimeSeconds))
}

func orDash(p *int) string {
	if p == nil {
		return "--"
	}
	return fmt.Sprintf("%d", *p)
}

func orDash64(p *int64) string {
	if p == nil {
		return "--"
	}
	return fmt.Sprintf("%d", *p)
}

func orDashF(p *float64) string {
	if p == nil {
		return "--"
	}
	return fmt.Sprintf("%.3f", *p)
}

func orDashB(p *bool) string {
	if p == nil {
		return "--"
	}
	return fmt.Sprintf("%t", *p)
}
