package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-finder/internal/store"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Inspect and export embedding store files",
}

var storeInfoCmd = &cobra.Command{
	Use:   "info [store_path]",
	Short: "Show store metadata and counts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStoreInfo,
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeInfoCmd)

	storeInfoCmd.Flags().Bool("json", false, "Output as JSON")
}

// StoreInfo is the JSON output of store info.
type StoreInfo struct {
	Path        string    `json:"path"`
	Version     int       `json:"version"`
	Compression string    `json:"compression"`
	Dim         int       `json:"dim"`
	Model       string    `json:"model,omitempty"`
	CorpusRoot  string    `json:"corpus_root,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastRunID   string    `json:"last_run_id,omitempty"`
	Images      int       `json:"images"`
	Faces       int       `json:"faces"`
	NoFace      int       `json:"no_face_images"`
}

func storePathArg(cmdStore string, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cmdStore
}

func runStoreInfo(cmd *cobra.Command, args []string) error {
	cfg, _ := setup(cmd)
	jsonOutput := mustGetBool(cmd, "json")

	path := storePathArg(cfg.Paths.Store, args)
	if err := requireFile("store", path); err != nil {
		return err
	}
	st, err := store.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}

	meta := st.Meta()
	info := StoreInfo{
		Path:        path,
		Version:     meta.Version,
		Compression: st.Compression().String(),
		Dim:         meta.Dim,
		Model:       meta.Model,
		CorpusRoot:  meta.CorpusRoot,
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,
		LastRunID:   meta.LastRunID,
		Images:      st.Len(),
		Faces:       st.Faces(),
		NoFace:      len(st.ProcessedIDs()),
	}

	if jsonOutput {
		return outputJSON(info)
	}

	fmt.Printf("Store:        %s\n", info.Path)
	fmt.Printf("Version:      %d (%s)\n", info.Version, info.Compression)
	fmt.Printf("Model:        %s\n", info.Model)
	fmt.Printf("Dimension:    %d\n", info.Dim)
	fmt.Printf("Corpus root:  %s\n", info.CorpusRoot)
	fmt.Printf("Created:      %s\n", info.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Updated:      %s (%s ago)\n", info.UpdatedAt.Local().Format(time.DateTime),
		formatDuration(time.Since(info.UpdatedAt)))
	fmt.Printf("Last run:     %s\n", info.LastRunID)
	fmt.Printf("\nImages with faces: %d (%d faces)\n", info.Images, info.Faces)
	fmt.Printf("Images without faces: %d\n", info.NoFace)
	return nil
}
