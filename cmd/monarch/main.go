// Monarch is the management tool: it syncs declarative configuration into
// each service's SQLite database and drives the reload RPCs.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/voltgrid/voltgrid/config"
	"github.com/voltgrid/voltgrid/logging"
	"github.com/voltgrid/voltgrid/monarch"
)

var (
	flagConfig string
	flagURL    string
	flagDBPath string
)

func main() {
	root := &cobra.Command{
		Use:   "monarch",
		Short: "VoltGrid management tool: config sync and service control",
	}
	root.PersistentFlags().StringVar(&flagURL, "url", "http://127.0.0.1:6001", "service base URL (online mode)")

	syncCmd := &cobra.Command{
		Use:   "sync <service>",
		Short: "Write configuration into the service's SQLite, then reload",
		Args:  cobra.ExactArgs(1),
		RunE:  runSync,
	}
	syncCmd.Flags().StringVar(&flagConfig, "config", "voltgrid.json", "declarative configuration file")
	syncCmd.Flags().StringVar(&flagDBPath, "db", "", "explicit database path (defaults to DATABASE_DIR/{service}.db)")
	root.AddCommand(syncCmd)

	channels := &cobra.Command{Use: "channels", Short: "Operate on comsrv channels"}
	channels.AddCommand(
		&cobra.Command{Use: "list", Short: "List channels", RunE: runChannelsList},
		&cobra.Command{Use: "status <id>", Short: "Show one channel's status", Args: cobra.ExactArgs(1), RunE: runChannelStatus},
		&cobra.Command{Use: "control <id> <point> <value>", Short: "Send a control command", Args: cobra.ExactArgs(3), RunE: runControl},
		&cobra.Command{Use: "adjust <id> <point> <value>", Short: "Send an adjustment setpoint", Args: cobra.ExactArgs(3), RunE: runAdjust},
		&cobra.Command{Use: "reload", Short: "Trigger the channel reload RPC", RunE: runChannelsReload},
		&cobra.Command{Use: "health", Short: "Show service health", RunE: runHealth},
	)
	root.AddCommand(channels)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openServiceDB(service string) (*sql.DB, error) {
	path := flagDBPath
	if path == "" {
		path = config.DBPath(service)
	}
	return sql.Open("sqlite", path)
}

func runSync(cmd *cobra.Command, args []string) error {
	service := args[0]
	log := logging.New("monarch")

	cfg, err := monarch.LoadConfigFile(flagConfig)
	if err != nil {
		return err
	}
	db, err := openServiceDB(service)
	if err != nil {
		return err
	}
	defer db.Close()

	switch service {
	case "comsrv":
		err = monarch.SyncComsrv(db, cfg, log)
	case "modsrv":
		err = monarch.SyncModsrv(db, cfg, log)
	default:
		return fmt.Errorf("unknown service %q", service)
	}
	if err != nil {
		return err
	}
	if err := pruneCrossFileRouting(cmd.Context(), service, db, log); err != nil {
		return err
	}
	log.Info("sync_complete", "service", service)

	client := monarch.NewClient(flagURL)
	var res any
	if service == "modsrv" {
		res, err = client.ReloadInstances(cmd.Context())
	} else {
		res, err = client.ReloadChannels(cmd.Context())
	}
	if err != nil {
		log.Warn("reload_rpc_failed", "error", err.Error(),
			"hint", "service may be down; it will converge on next startup")
		return nil
	}
	return printJSON(res)
}

// pruneCrossFileRouting applies the point-deletion cascade across the
// per-service database files. With one file per service the SQL triggers
// cannot reach from comsrv's point tables into modsrv's routing tables, so
// the prune runs here after every sync. db is the database just synced.
func pruneCrossFileRouting(ctx context.Context, service string, db *sql.DB, log logging.Logger) error {
	comsrvPath := effectiveDBPath("comsrv", service)
	modsrvPath := effectiveDBPath("modsrv", service)
	if comsrvPath == modsrvPath {
		return nil // shared file: the cascade triggers handle it
	}
	if !fileExists(comsrvPath) || !fileExists(modsrvPath) {
		return nil
	}

	mdb := db
	if service != "modsrv" {
		var err error
		mdb, err = sql.Open("sqlite", modsrvPath)
		if err != nil {
			return err
		}
		defer mdb.Close()
	}
	pruned, err := monarch.PruneStaleRouting(ctx, mdb, comsrvPath, log)
	if err != nil {
		return err
	}
	if pruned > 0 {
		log.Warn("stale_instance_mappings_removed",
			"rows", pruned, "hint", "reload modsrv to converge its instances")
	}
	return nil
}

func effectiveDBPath(name, synced string) string {
	if name == synced && flagDBPath != "" {
		return flagDBPath
	}
	return config.DBPath(name)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runChannelsList(cmd *cobra.Command, args []string) error {
	out, err := monarch.NewClient(flagURL).Channels(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runChannelStatus(cmd *cobra.Command, args []string) error {
	id, err := parseChannelID(args[0])
	if err != nil {
		return err
	}
	out, err := monarch.NewClient(flagURL).ChannelStatus(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runControl(cmd *cobra.Command, args []string) error {
	return runCommand(cmd.Context(), args, func(ctx context.Context, c *monarch.Client, id uint16, point uint32, value float64) (string, error) {
		return c.Control(ctx, id, point, value)
	})
}

func runAdjust(cmd *cobra.Command, args []string) error {
	return runCommand(cmd.Context(), args, func(ctx context.Context, c *monarch.Client, id uint16, point uint32, value float64) (string, error) {
		return c.Adjust(ctx, id, point, value)
	})
}

func runCommand(ctx context.Context, args []string, send func(context.Context, *monarch.Client, uint16, uint32, float64) (string, error)) error {
	id, err := parseChannelID(args[0])
	if err != nil {
		return err
	}
	point, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad point id %q", args[1])
	}
	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("bad value %q", args[2])
	}
	commandID, err := send(ctx, monarch.NewClient(flagURL), id, uint32(point), value)
	if err != nil {
		return err
	}
	fmt.Println(commandID)
	return nil
}

func runChannelsReload(cmd *cobra.Command, args []string) error {
	res, err := monarch.NewClient(flagURL).ReloadChannels(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runHealth(cmd *cobra.Command, args []string) error {
	out, err := monarch.NewClient(flagURL).Health(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(out)
}

func parseChannelID(s string) (uint16, error) {
	id, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad channel id %q", s)
	}
	return uint16(id), nil
}
