package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amillerrr/tus-media-pipeline/internal/auth"
	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale upload sessions once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := ctx.ensureBackends(cmd.Context())
			if err != nil {
				return err
			}
			res, err := b.uploads.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, map[string]int{"expired": res.Expired, "purged": res.Purged})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired: %d\nPurged:  %d\n", res.Expired, res.Purged)
			return nil
		},
	}
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-enqueue pending jobs that never reached the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := ctx.ensureBackends(cmd.Context())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("stale-after") {
				cfg, _ := ctx.ensureConfig()
				staleAfter = cfg.Upload.ReconcileAfter
			}
			sent, err := b.dispatcher.Reconcile(cmd.Context(), staleAfter)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, map[string]int{"enqueued": sent})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d pending job(s)\n", sent)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Minute, "Re-send jobs whose last enqueue is older than this")
	return cmd
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect processing jobs",
	}
	jobCmd.AddCommand(&cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show the processing job and outputs for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := ctx.ensureBackends(cmd.Context())
			if err != nil {
				return err
			}
			job, err := b.media.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	})
	return jobCmd
}

func printJob(out io.Writer, job *models.ProcessingJob) {
	stages := make([]string, 0, len(job.Result.CompletedStages))
	for _, s := range job.Result.CompletedStages {
		stages = append(stages, string(s))
	}
	fmt.Fprintln(out, renderFields([][2]string{
		{"Asset", job.AssetID},
		{"Job", job.JobID},
		{"Status", string(job.Status)},
		{"Progress", fmt.Sprintf("%.0f%%", job.Progress*100)},
		{"Attempts", strconv.Itoa(job.Attempts)},
		{"Stages", orDash(strings.Join(stages, ", "))},
		{"Last error", orDash(job.LastError)},
		{"Analysis error", orDash(job.Result.AnalysisError)},
		{"Started", orDash(job.StartedAt)},
		{"Completed", orDash(job.CompletedAt)},
	}))

	if len(job.Result.TranscodedVideos) > 0 {
		rows := make([][]string, 0, len(job.Result.TranscodedVideos))
		for _, name := range slices.Sorted(maps.Keys(job.Result.TranscodedVideos)) {
			r := job.Result.TranscodedVideos[name]
			rows = append(rows, []string{
				name,
				fmt.Sprintf("%dx%d", r.Width, r.Height),
				fmt.Sprintf("%d kb/s", r.Bitrate/1000),
				humanBytes(r.SizeBytes),
				r.Key,
			})
		}
		fmt.Fprintln(out, "Renditions:")
		fmt.Fprintln(out, renderTable([]string{"Quality", "Size", "Bitrate", "Bytes", "Key"}, rows, 3, 4))
	}

	if summary := job.Result.AnalysisSummary; summary != nil {
		fmt.Fprintln(out, "Analysis:")
		fmt.Fprintln(out, renderFields([][2]string{
			{"Tempo", fmt.Sprintf("%.1f BPM", summary.Tempo.BPM)},
			{"Mean pitch", fmt.Sprintf("%.1f Hz", summary.Pitch.MeanHz)},
			{"Dynamic range", fmt.Sprintf("%.1f dB", summary.Dynamics.RangeDB)},
			{"Onsets", strconv.Itoa(summary.Onsets.Count)},
			{"Consistency", fmt.Sprintf("%.1f", summary.Scores.Consistency)},
			{"Technical", fmt.Sprintf("%.1f", summary.Scores.TechnicalProficiency)},
			{"Expression", fmt.Sprintf("%.1f", summary.Scores.MusicalExpression)},
		}))
	}
}

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect upload sessions",
	}
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "show <upload-id>",
		Short: "Show an upload session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := ctx.ensureBackends(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := b.sessions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, sess)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderFields([][2]string{
				{"Upload", sess.UploadID},
				{"Owner", sess.OwnerID},
				{"State", string(sess.State)},
				{"Offset", fmt.Sprintf("%s / %s", humanBytes(sess.Offset), humanBytes(sess.TotalSize))},
				{"Parts", strconv.Itoa(len(sess.Parts))},
				{"Staged tail", humanBytes(sess.TailSize)},
				{"Storage key", sess.StorageKey},
				{"Created", sess.CreatedAt},
				{"Expires", sess.ExpiresAt},
			}))
			return nil
		},
	})
	return sessionCmd
}

func newTokenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "token <username>",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			secret, err := cfg.GetJWTSecret()
			if err != nil {
				return err
			}
			svc, err := auth.NewJWTService(secret)
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
