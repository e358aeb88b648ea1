package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bookkeeper/internal/intake"
	"github.com/sells-group/bookkeeper/internal/model"
)

var submitOrigin string

var submitCmd = &cobra.Command{
	Use:   "submit <path>...",
	Short: "Submit documents for extraction",
	Long:  "Submits one or more files, or every file under a directory, to the intake ledger. Duplicates are reported and skipped.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initIntake(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		docs, err := collectDocuments(args, model.SourceType(submitOrigin))
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return eris.New("no documents found")
		}

		results, err := env.Ledger.SubmitBatch(ctx, docs)
		if err != nil {
			return err
		}

		var accepted, duplicates, rejected int
		for _, r := range results {
			switch r.Status {
			case intake.SubmitAccepted:
				accepted++
			case intake.SubmitDuplicate:
				duplicates++
			case intake.SubmitRejected:
				rejected++
			}
		}
		zap.L().Info("batch submitted",
			zap.Int("accepted", accepted),
			zap.Int("duplicates", duplicates),
			zap.Int("rejected", rejected),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

// collectDocuments expands the given paths (files or directories) into
// source documents ready for submission.
func collectDocuments(paths []string, origin model.SourceType) ([]model.SourceDocument, error) {
	var docs []model.SourceDocument
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, eris.Wrapf(err, "stat %s", p)
		}
		if !info.IsDir() {
			doc, err := documentFromFile(p, origin)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
				return nil
			}
			doc, err := documentFromFile(path, origin)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "walk %s", p)
		}
	}
	return docs, nil
}

// documentFromFile builds a source document from a local file. The content
// hash feeds the weaker cross-source duplicate signal; the file's
// modification time stands in for the source date.
func documentFromFile(path string, origin model.SourceType) (model.SourceDocument, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.SourceDocument{}, eris.Wrapf(err, "resolve %s", path)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return model.SourceDocument{}, eris.Wrapf(err, "stat %s", abs)
	}

	hash, err := hashFile(abs)
	if err != nil {
		return model.SourceDocument{}, err
	}

	return model.SourceDocument{
		Path:             abs,
		OriginalFilename: filepath.Base(abs),
		Origin:           origin,
		SourceIdentifier: filepath.Base(abs),
		SourceDate:       info.ModTime().UTC(),
		ContentHash:      hash,
	}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func init() {
	submitCmd.Flags().StringVar(&submitOrigin, "origin", string(model.SourceFileUpload), "document origin (file_upload or email_attachment)")
	rootCmd.AddCommand(submitCmd)
}
