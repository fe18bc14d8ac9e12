package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
	"github.com/molforge/molforge/pkg/client"
)

type ingestOptions struct {
	file         string
	owner        string
	mappingFile  string
	smilesColumn string
	nameColumn   string
	noWait       bool
	pollInterval time.Duration
}

// NewIngestCmd creates the one-shot ingestion command: register an upload,
// push the file to blob storage, start the run, and wait for the report.
func NewIngestCmd() *cobra.Command {
	opts := &ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a CSV file of molecules",
		Long: "Registers an upload with the server, streams the file to the returned\n" +
			"blob destination, starts the ingestion run, and waits for the final\n" +
			"per-row report unless --no-wait is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.file, "file", "", "CSV file to ingest [REQUIRED]")
	f.StringVar(&opts.owner, "owner", "", "principal the upload is attributed to")
	f.StringVar(&opts.mappingFile, "mapping", "", "JSON file with the column mapping")
	f.StringVar(&opts.smilesColumn, "smiles-column", "smiles", "SMILES column header (ignored when --mapping is given)")
	f.StringVar(&opts.nameColumn, "name-column", "", "name column header (ignored when --mapping is given)")
	f.BoolVar(&opts.noWait, "no-wait", false, "return after starting the run instead of waiting")
	f.DurationVar(&opts.pollInterval, "poll-interval", 2*time.Second, "status poll interval while waiting")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *ingestOptions) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	mapping, err := loadMapping(opts)
	if err != nil {
		return err
	}

	info, err := os.Stat(opts.file)
	if err != nil {
		return usageErrorf("cannot read input file: %v", err)
	}
	if info.Size() == 0 {
		return usageErrorf("input file %s is empty", opts.file)
	}

	result, err := cliCtx.Client.Uploads().Create(ctx, client.CreateUploadRequest{
		Filename:  filepath.Base(opts.file),
		SizeBytes: info.Size(),
		Owner:     opts.owner,
		Mapping:   mapping,
	})
	if err != nil {
		return err
	}
	uploadID := result.Upload.ID
	cliCtx.Logger.Info("upload registered", logging.UploadID(uploadID))

	src, err := os.Open(opts.file)
	if err != nil {
		return usageErrorf("cannot open input file: %v", err)
	}
	defer src.Close()

	if err := cliCtx.Client.Uploads().PutFile(ctx, result.UploadURL, src, info.Size()); err != nil {
		return err
	}

	u, err := cliCtx.Client.Uploads().Run(ctx, uploadID)
	if err != nil {
		return err
	}
	if opts.noWait {
		fmt.Fprintf(cmd.OutOrStdout(), "upload %s started\n", uploadID)
		return nil
	}

	u, err = cliCtx.Client.Uploads().WaitForCompletion(ctx, uploadID, opts.pollInterval)
	if err != nil {
		return err
	}

	if err := printIngestReport(cmd, u); err != nil {
		return err
	}
	switch u.Status {
	case "failed":
		return fmt.Errorf("ingestion run failed: %s", u.Error)
	case "cancelled":
		return &usageError{msg: "ingestion run was cancelled"}
	}
	return nil
}

func printIngestReport(cmd *cobra.Command, u *client.Upload) error {
	cliCtx, err := GetCLIContext(cmd)
	if err == nil && cliCtx.Output == "json" {
		return printJSON(cmd, u)
	}

	table := FormatTable(
		[]string{"UPLOAD", "STATUS", "PROCESSED", "CREATED", "DUPLICATES", "INVALID", "OBSERVATIONS", "OBS ERRORS"},
		[][]string{{
			u.ID, u.Status,
			fmt.Sprintf("%d", u.Counters.Processed),
			fmt.Sprintf("%d", u.Counters.Created),
			fmt.Sprintf("%d", u.Counters.Duplicates),
			fmt.Sprintf("%d", u.Counters.Invalid),
			fmt.Sprintf("%d", u.Counters.Observations),
			fmt.Sprintf("%d", u.Counters.ObservationErrors),
		}},
	)
	fmt.Fprint(cmd.OutOrStdout(), table)
	printErrorSamples(cmd, u)
	return nil
}

// printErrorSamples lists retained error examples grouped by kind, in a stable
// order.  Each kind keeps at most a fixed number of samples server-side, so
// the listing stays bounded even for large files.
func printErrorSamples(cmd *cobra.Command, u *client.Upload) {
	if len(u.Samples) == 0 {
		return
	}
	out := cmd.OutOrStdout()

	kinds := make([]string, 0, len(u.Samples))
	for kind := range u.Samples {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	fmt.Fprintln(out)
	for _, kind := range kinds {
		fmt.Fprintf(out, "%s (%d shown):\n", kind, len(u.Samples[kind]))
		for _, s := range u.Samples[kind] {
			line := fmt.Sprintf("  row %d", s.Row)
			if s.Column != "" {
				line += " column " + s.Column
			}
			if s.Value != "" {
				line += fmt.Sprintf(" value %q", s.Value)
			}
			fmt.Fprintf(out, "%s: %s\n", line, s.Reason)
		}
	}
}

// loadMapping reads the column mapping from --mapping, or builds a minimal
// one from the column flags.
func loadMapping(opts *ingestOptions) (client.ColumnMapping, error) {
	if opts.mappingFile == "" {
		if opts.smilesColumn == "" {
			return client.ColumnMapping{}, usageErrorf("either --mapping or --smiles-column is required")
		}
		return client.ColumnMapping{
			SMILESColumn: opts.smilesColumn,
			NameColumn:   opts.nameColumn,
		}, nil
	}

	data, err := os.ReadFile(opts.mappingFile)
	if err != nil {
		return client.ColumnMapping{}, usageErrorf("cannot read mapping file: %v", err)
	}
	var mapping client.ColumnMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return client.ColumnMapping{}, usageErrorf("mapping file is not valid JSON: %v", err)
	}
	if mapping.SMILESColumn == "" {
		return client.ColumnMapping{}, usageErrorf("mapping must bind a SMILES column")
	}
	return mapping, nil
}
