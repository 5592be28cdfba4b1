package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markdave123-py/docsense/internal/core/ingestion_engine"
	"github.com/markdave123-py/docsense/internal/core/retrieval"
)

const snippetRunes = 160

func newIngestCmd(r *root) *cobra.Command {
	var (
		workspace, document, fileType, name string
		asJSON                              bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Extract, chunk and embed one document",
		Long: `Runs the full ingestion pipeline for a local path, an s3://bucket/key
reference or an S3 URL, and waits until the document is ready or failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			defer r.close()
			if document == "" {
				document = uuid.NewString()
			}
			out, err := s.Ingestor.ProcessOne(cmd.Context(), ingestion_engine.IngestRequest{
				DocumentID:   document,
				WorkspaceID:  workspace,
				FilePath:     args[0],
				DeclaredType: fileType,
				FileName:     name,
			})
			if err != nil {
				return fmt.Errorf("ingest %s: %w", document, err)
			}
			if asJSON {
				return printJSON(cmd, out)
			}
			if out.NoContent {
				fmt.Fprintf(cmd.OutOrStdout(), "Document %s is ready but has no extractable text.\n", out.DocumentID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Document %s is ready: %d passages in %s.\n", out.DocumentID, out.PassageCount, out.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id (required)")
	cmd.Flags().StringVarP(&document, "document", "d", "", "document id (default: random UUID)")
	cmd.Flags().StringVarP(&fileType, "type", "t", "", "declared type: pdf, docx, txt or a MIME type")
	cmd.Flags().StringVar(&name, "name", "", "source name stored with each passage")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the outcome as JSON")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newQueryCmd(r *root) *cobra.Command {
	var (
		workspace string
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve the passages that best answer a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			defer r.close()
			results, err := s.Retriever.Retrieve(cmd.Context(), retrieval.RetrieveRequest{
				Query:       strings.Join(args, " "),
				WorkspaceID: workspace,
				Limit:       limit,
			})
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			if asJSON {
				return printJSON(cmd, results)
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No results found.")
				return nil
			}
			for i, res := range results {
				source, _ := res.Metadata["source"].(string)
				if source == "" {
					source = res.DocumentID()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %s (%.3f)\n", i+1, source, res.Score)
				fmt.Fprintf(cmd.OutOrStdout(), "      %s\n\n", snippet(res.Text))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of passages")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newStatsCmd(r *root) *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show vector index statistics for a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			defer r.close()
			stats, err := s.Index.DescribeStats(cmd.Context(), workspace)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workspace:  %s\nPassages:   %d\nDimension:  %d\n", stats.Namespace, stats.Count, stats.Dimension)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id (required)")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newForgetCmd(r *root) *cobra.Command {
	var workspace, document string
	cmd := &cobra.Command{
		Use:   "forget",
		Short: "Remove a document's passages from the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := r.load(cmd.Context())
			if err != nil {
				return err
			}
			defer r.close()
			s.Ingestor.DeleteDocumentVectors(cmd.Context(), document, workspace)
			fmt.Fprintf(cmd.OutOrStdout(), "Passages of %s removed from %s.\n", document, workspace)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace id (required)")
	cmd.Flags().StringVarP(&document, "document", "d", "", "document id (required)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "..."
}
