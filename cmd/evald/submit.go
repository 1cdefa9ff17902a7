package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ahrav/go-evalpipe/internal/domain"
	"github.com/ahrav/go-evalpipe/internal/intake"
	"github.com/ahrav/go-evalpipe/internal/worker"
)

// evaluationFlags are shared by submit and batch.
type evaluationFlags struct {
	context    string
	criteria   []string
	templateID string
	priority   int
}

func (f *evaluationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.context, "context", "", "evaluation domain or category (required)")
	cmd.Flags().StringSliceVar(&f.criteria, "criterion", nil, "scoring criterion as name or name=weight; repeatable (required)")
	cmd.Flags().StringVar(&f.templateID, "template", "", "template id from the catalog to validate against")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "priority 0-255, higher first")
	_ = cmd.MarkFlagRequired("context")
	_ = cmd.MarkFlagRequired("criterion")
}

func (f *evaluationFlags) payload() (domain.Payload, error) {
	criteria, err := parseCriteria(f.criteria)
	if err != nil {
		return domain.Payload{}, err
	}
	p := domain.Payload{Context: f.context, Criteria: criteria}
	if f.templateID != "" {
		p.Template = &domain.TemplateDescriptor{ID: f.templateID}
	}
	return p, nil
}

// parseCriteria parses name[=weight] specs. A missing weight is 1.
func parseCriteria(specs []string) ([]domain.Criterion, error) {
	out := make([]domain.Criterion, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		name, rawWeight, hasWeight := strings.Cut(spec, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("criterion %q has no name", spec)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("criterion %q given twice", name)
		}
		seen[name] = struct{}{}

		weight := 1.0
		if hasWeight {
			w, err := strconv.ParseFloat(strings.TrimSpace(rawWeight), 64)
			if err != nil {
				return nil, fmt.Errorf("criterion %q: invalid weight: %w", name, err)
			}
			weight = w
		}
		out = append(out, domain.Criterion{Name: name, Weight: weight})
	}
	return out, nil
}

// readDocument loads a file as a document reference plus content.
func readDocument(path string) (domain.DocumentRef, []byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.DocumentRef{}, nil, err
	}
	name := filepath.Base(path)
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ct == "" {
		ct = "text/plain"
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return domain.DocumentRef{Key: path, ContentType: ct, Filename: name}, content, nil
}

var submitFlags evaluationFlags

var submitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit one document for individual evaluation",
	Example: `  evald submit report.pdf --context "climate policy" \
    --criterion evidence=60 --criterion clarity=40 --template policy-brief`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := submitFlags.payload()
		if err != nil {
			return err
		}
		doc, content, err := readDocument(args[0])
		if err != nil {
			return err
		}

		return withRuntime(cmd, func(ctx context.Context, rt *worker.Runtime) error {
			receipt, err := rt.Intake.SubmitDocument(ctx, intake.DocumentRequest{
				Document: doc,
				Content:  content,
				Context:  payload.Context,
				Criteria: payload.Criteria,
				Template: payload.Template,
				Priority: submitFlags.priority,
			})
			if err != nil {
				return err
			}
			goodColor.Fprintf(cmd.OutOrStdout(), "submitted %s\n", doc.Filename)
			fmt.Fprintf(cmd.OutOrStdout(), "subject: %s\njob:     %s\n", receipt.SubjectID, receipt.JobID)
			return nil
		})
	},
}

var (
	batchFlags evaluationFlags
	batchID    string
)

var batchCmd = &cobra.Command{
	Use:   "batch FILE...",
	Short: "Submit documents as one ranked batch",
	Long: `Submit documents as a batch whose members are ranked against each other.
Batches larger than bulk.threshold are dispatched in chunks by the bulk
scheduler; without Temporal the command stays up until every chunk is queued.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := batchFlags.payload()
		if err != nil {
			return err
		}
		docs := make([]intake.BatchDocument, 0, len(args))
		for _, path := range args {
			ref, content, err := readDocument(path)
			if err != nil {
				return err
			}
			docs = append(docs, intake.BatchDocument{Document: ref, Content: content})
		}

		return withRuntime(cmd, func(ctx context.Context, rt *worker.Runtime) error {
			receipt, err := rt.Intake.SubmitBatch(ctx, intake.BatchRequest{
				BatchID:   batchID,
				Documents: docs,
				Payload:   payload,
				Priority:  batchFlags.priority,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			mode := "direct"
			if receipt.Bulk {
				mode = "bulk"
			}
			goodColor.Fprintf(out, "batch %s accepted (%d documents, %s)\n", receipt.BatchID, len(receipt.SubjectIDs), mode)
			for i, id := range receipt.SubjectIDs {
				fmt.Fprintf(out, "  %3d  %s  %s\n", i, id, docs[i].Document.Filename)
			}
			return nil
		})
	},
}

func init() {
	submitFlags.register(submitCmd)
	batchFlags.register(batchCmd)
	batchCmd.Flags().StringVar(&batchID, "batch-id", "", "batch id (generated when empty)")
	rootCmd.AddCommand(submitCmd, batchCmd)
}
