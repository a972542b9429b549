// Command enginectl is the operator-facing CLI over the engine façade,
// adapted from cmd/admin-cli's cobra wiring (storage-admin) onto this
// spec's insert/retrieve/delete/streams/status operations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"storage-engine/internal/config"
	"storage-engine/internal/engine"
	"storage-engine/internal/tuid"
)

var (
	namespace string
	stream    string

	startTimeFlag string
	endTimeFlag   string
	startIDFlag   string
	endIDFlag     string
	orderFlag     string
	limitFlag     int
)

var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "Storage engine administration CLI",
	Long:  `A command-line interface for inserting, retrieving, deleting, and inspecting streams in the storage engine.`,
}

var insertCmd = &cobra.Command{
	Use:   "insert",
	Short: "Insert events from stdin (a JSON object, or a JSON array of objects) into a stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Stop()

		events, err := readEvents(os.Stdin)
		if err != nil {
			return err
		}
		n, err := e.Insert(namespace, stream, events)
		if err != nil {
			return err
		}
		fmt.Printf("inserted %d events\n", n)
		return nil
	},
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Retrieve events from a stream, printing one JSON object per line",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Stop()

		startTime, endTime, startID, endID, err := parseBoundFlags()
		if err != nil {
			return err
		}
		order := tuid.Ascending
		if orderFlag == "desc" {
			order = tuid.Descending
		}

		events, err := e.Retrieve(cmd.Context(), namespace, stream, startTime, endTime, startID, endID, order, limitFlag)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Println(string(ev))
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Range-delete events from a stream via a tombstone",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Stop()

		startTime, endTime, startID, endID, err := parseBoundFlags()
		if err != nil {
			return err
		}
		count, errs := e.Delete(namespace, stream, startTime, endTime, startID, endID)
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "delete error:", err)
		}
		fmt.Printf("tombstoned range; %d previously-visible memtable events now suppressed\n", count)
		if len(errs) > 0 {
			return errs[0]
		}
		return nil
	},
}

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List every stream visible under a namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Stop()

		names, err := e.Streams(namespace)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the engine's storage backend and active memtable are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Stop()

		if e.IsAlive(cmd.Context()) {
			fmt.Println("status: alive")
			return nil
		}
		fmt.Println("status: unreachable")
		os.Exit(1)
		return nil
	},
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return engine.New(ctx, cfg, nil)
}

func readEvents(r *os.File) ([]map[string]interface{}, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("stdin is empty; pipe in a JSON object or array of objects")
	}

	var events []map[string]interface{}
	if err := json.Unmarshal(raw, &events); err == nil {
		return events, nil
	}

	var single map[string]interface{}
	if err := json.Unmarshal(raw, &single); err == nil {
		return []map[string]interface{}{single}, nil
	}
	return nil, fmt.Errorf("stdin must be a JSON object or array of objects")
}

func parseBoundFlags() (startTime, endTime *time.Time, startID, endID *tuid.TimeUUID, err error) {
	if startTimeFlag != "" {
		t, e := time.Parse(time.RFC3339, startTimeFlag)
		if e != nil {
			return nil, nil, nil, nil, fmt.Errorf("invalid --start-time: %w", e)
		}
		startTime = &t
	}
	if endTimeFlag != "" {
		t, e := time.Parse(time.RFC3339, endTimeFlag)
		if e != nil {
			return nil, nil, nil, nil, fmt.Errorf("invalid --end-time: %w", e)
		}
		endTime = &t
	}
	if startIDFlag != "" {
		id, e := tuid.ParseString([]byte(startIDFlag))
		if e != nil {
			return nil, nil, nil, nil, fmt.Errorf("invalid --start-id: %w", e)
		}
		startID = &id
	}
	if endIDFlag != "" {
		id, e := tuid.ParseString([]byte(endIDFlag))
		if e != nil {
			return nil, nil, nil, nil, fmt.Errorf("invalid --end-id: %w", e)
		}
		endID = &id
	}
	return startTime, endTime, startID, endID, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "", "namespace the stream belongs to")
	rootCmd.PersistentFlags().StringVar(&stream, "stream", "", "stream name")
	rootCmd.MarkPersistentFlagRequired("namespace")
	rootCmd.MarkPersistentFlagRequired("stream")

	retrieveCmd.Flags().StringVar(&startTimeFlag, "start-time", "", "RFC3339 lower bound")
	retrieveCmd.Flags().StringVar(&endTimeFlag, "end-time", "", "RFC3339 upper bound")
	retrieveCmd.Flags().StringVar(&startIDFlag, "start-id", "", "explicit TimeUUID lower bound (exclusive)")
	retrieveCmd.Flags().StringVar(&endIDFlag, "end-id", "", "explicit TimeUUID upper bound (exclusive)")
	retrieveCmd.Flags().StringVar(&orderFlag, "order", "asc", "asc or desc")
	retrieveCmd.Flags().IntVar(&limitFlag, "limit", 0, "maximum events to return (0 = unbounded)")

	deleteCmd.Flags().StringVar(&startTimeFlag, "start-time", "", "RFC3339 lower bound")
	deleteCmd.Flags().StringVar(&endTimeFlag, "end-time", "", "RFC3339 upper bound")
	deleteCmd.Flags().StringVar(&startIDFlag, "start-id", "", "explicit TimeUUID lower bound")
	deleteCmd.Flags().StringVar(&endIDFlag, "end-id", "", "explicit TimeUUID upper bound")

	rootCmd.AddCommand(insertCmd, retrieveCmd, deleteCmd, streamsCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
