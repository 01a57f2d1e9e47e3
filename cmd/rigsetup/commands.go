package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/perfcap/rigsetup/internal/api"
	"github.com/perfcap/rigsetup/internal/bvh"
	"github.com/perfcap/rigsetup/internal/config"
	"github.com/perfcap/rigsetup/internal/db"
	"github.com/perfcap/rigsetup/internal/fit"
	"github.com/perfcap/rigsetup/internal/geom"
	"github.com/perfcap/rigsetup/internal/labels"
	"github.com/perfcap/rigsetup/internal/quality"
	"github.com/perfcap/rigsetup/internal/setup"
	"github.com/perfcap/rigsetup/internal/skeleton"
	"github.com/perfcap/rigsetup/internal/template"
	"github.com/perfcap/rigsetup/internal/watch"
)

// applyConfigFile layers the config file under whichever flags the
// operator set explicitly. Flags win over the file, the file wins
// over the defaults.
func applyConfigFile(cmd *cobra.Command, cfgPath string, cfg *config.Config) error {
	if cfgPath == "" {
		return cfg.Validate()
	}
	fileCfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if !changed["db"] {
		cfg.DatabasePath = fileCfg.DatabasePath
	}
	if !changed["listen"] {
		cfg.Listen = fileCfg.Listen
	}
	if !changed["migrations"] {
		cfg.MigrationsDir = fileCfg.MigrationsDir
	}
	if !changed["namespace"] {
		cfg.Namespace = fileCfg.Namespace
	}
	if !changed["units"] {
		cfg.Units = fileCfg.Units
	}
	if !changed["min-markers"] {
		cfg.MinMarkers = fileCfg.MinMarkers
	}
	if !changed["frame"] {
		cfg.ReferenceFrame = fileCfg.ReferenceFrame
	}
	if !changed["marker-dummies"] {
		cfg.MarkerDummies = fileCfg.MarkerDummies
	}
	return cfg.Validate()
}

func newSetupCmd() *cobra.Command {
	cfg := config.Default()
	var cfgPath, outTemplate string
	var in setup.Inputs

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Run the automatic character setup flow and store a draft session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigFile(cmd, cfgPath, &cfg); err != nil {
				return err
			}

			res, err := setup.Run(in, setup.Options{
				Namespace:      cfg.Namespace,
				Units:          cfg.Units,
				MinMarkers:     cfg.MinMarkers,
				ReferenceFrame: cfg.ReferenceFrame,
				MarkerDummies:  cfg.MarkerDummies,
			})
			if err != nil {
				return err
			}

			database, err := db.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := setup.Persist(database, res); err != nil {
				return fmt.Errorf("failed to store session: %w", err)
			}

			log.Info().
				Str("session", res.Session.ID).
				Str("performer", res.Session.Performer).
				Int("joints", len(res.Skeleton.Bones())).
				Int("bindings", len(res.MarkerSet.Bindings)).
				Bool("characterized", res.Characterization.Complete()).
				Msg("setup complete")
			if res.Fit != nil {
				log.Info().
					Float64("performer_height_cm", res.Fit.PerformerHeight).
					Float64("body_scale", res.Fit.BodyScale).
					Msg("actor fit")
			}

			if outTemplate != "" {
				if err := template.WriteFile(outTemplate, res.Skeleton.Template(cfg.Units)); err != nil {
					return fmt.Errorf("failed to write fitted template: %w", err)
				}
				log.Info().Str("path", outTemplate).Msg("wrote fitted template")
			}

			// Session id on stdout for scripting.
			fmt.Println(res.Session.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&in.RecordingPath, "recording", "", "capture file (.c3d)")
	cmd.Flags().StringVar(&in.TemplatePath, "template", "", "skeleton template (.csv), default suit layout when empty")
	cmd.Flags().StringVar(&in.OffsetsPath, "offsets", "", "per-performer offsets file (*_offsets.csv)")
	cmd.Flags().StringVar(&in.LabelsPath, "labels", "", "marker label list (.txt), one label per line")
	cmd.Flags().StringVar(&in.RigidBodyPath, "rigidbody", "", "rigid body preset (.rbs)")
	cmd.Flags().StringVar(&in.DefinitionPath, "definition", "", "character definition override (.xml) for nonstandard joint names")
	cmd.Flags().StringVar(&in.Performer, "performer", "", "performer name")
	cmd.Flags().StringVar(&outTemplate, "out-template", "", "write the fitted skeleton back out as a template (.csv)")
	cmd.Flags().StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "session store path")
	cmd.Flags().StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "scene namespace, defaults to the performer name")
	cmd.Flags().StringVar(&cfg.Units, "units", cfg.Units, "template length unit")
	cmd.Flags().IntVar(&cfg.MinMarkers, "min-markers", cfg.MinMarkers, "minimum marker count in the recording")
	cmd.Flags().IntVar(&cfg.ReferenceFrame, "frame", cfg.ReferenceFrame, "reference frame index for fitting")
	cmd.Flags().BoolVar(&cfg.MarkerDummies, "marker-dummies", cfg.MarkerDummies, "create marker dummy nodes")
	cmd.MarkFlagRequired("recording")
	cmd.MarkFlagRequired("performer")

	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var labelsPath, pngPath string
	var worst int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "evaluate <recording.c3d>",
		Short: "Analyze marker occlusion gaps in a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := setup.LoadRecording(args[0], labelsPath, 1)
			if err != nil {
				return err
			}
			report, err := quality.Evaluate(rec)
			if err != nil {
				return err
			}

			if pngPath != "" {
				if err := report.SavePNG(pngPath); err != nil {
					return err
				}
				log.Info().Str("path", pngPath).Msg("wrote occlusion timeline")
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("%d markers, %d frames at %.1f Hz (%.1f s)\n",
				len(report.Markers), report.FrameCount, report.Rate, report.DurationSeconds)
			if report.Clean() {
				fmt.Println("no occlusion gaps")
				return nil
			}
			fmt.Printf("%d gaps, mean missing %.1f%%\n\n",
				report.TotalGaps, 100*report.MeanMissingFraction)
			for _, m := range report.WorstMarkers(worst) {
				if m.GapCount == 0 {
					continue
				}
				fmt.Printf("  %-16s %3d gaps  missing %5.1f%%  longest %.2fs\n",
					m.Label, m.GapCount, 100*m.MissingFraction, m.MaxGapSeconds)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&labelsPath, "labels", "", "marker label list (.txt)")
	cmd.Flags().StringVar(&pngPath, "png", "", "write occlusion timeline PNG to this path")
	cmd.Flags().IntVar(&worst, "worst", 10, "number of worst markers to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")

	return cmd
}

func newServeCmd() *cobra.Command {
	cfg := config.Default()
	var cfgPath, offsetsPath, recordingPath, labelsPath, sessionID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the interactive skeleton review API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigFile(cmd, cfgPath, &cfg); err != nil {
				return err
			}

			database, err := db.New(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer database.Close()

			var report *quality.Report
			if recordingPath != "" {
				rec, err := setup.LoadRecording(recordingPath, labelsPath, 1)
				if err != nil {
					return err
				}
				if report, err = quality.Evaluate(rec); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if offsetsPath != "" {
				target, err := reloadTarget(database, sessionID)
				if err != nil {
					return err
				}
				watcher, err := watch.New(offsetsPath, watch.DefaultDebounce, func(path string) {
					if err := setup.ReapplyOffsets(database, target, path); err != nil {
						log.Error().Err(err).Msg("offsets reload failed")
					}
				})
				if err != nil {
					return err
				}
				go func() {
					if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Msg("offsets watcher stopped")
					}
				}()
			}

			srv := &http.Server{
				Addr:    cfg.Listen,
				Handler: api.LoggingMiddleware(api.NewServer(database, report).ServeMux()),
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Listen).Msg("review server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&cfg.Listen, "listen", cfg.Listen, "bind address")
	cmd.Flags().StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "session store path")
	cmd.Flags().StringVar(&offsetsPath, "offsets", "", "offsets file to watch for live reload")
	cmd.Flags().StringVar(&sessionID, "session", "", "session receiving offset reloads, default newest draft")
	cmd.Flags().StringVar(&recordingPath, "recording", "", "recording to evaluate for the quality endpoints")
	cmd.Flags().StringVar(&labelsPath, "labels", "", "marker label list for the recording")

	return cmd
}

// reloadTarget picks the session that live offset reloads apply to:
// the explicit flag, or the newest draft.
func reloadTarget(database *db.DB, sessionID string) (string, error) {
	if sessionID != "" {
		if _, err := database.Session(sessionID); err != nil {
			return "", fmt.Errorf("session %s: %w", sessionID, err)
		}
		return sessionID, nil
	}
	sessions, err := database.Sessions(50)
	if err != nil {
		return "", err
	}
	for _, s := range sessions {
		if !s.Finalized() {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("no draft session to reload offsets into")
}

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate or check skeleton templates",
	}

	var out, labelsPath string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Write the default suit template",
		RunE: func(cmd *cobra.Command, args []string) error {
			var names []string
			if labelsPath != "" {
				var err error
				if names, err = labels.ReadFile(labelsPath); err != nil {
					return err
				}
			}
			tpl, err := fit.SuitTemplate(names)
			if err != nil {
				return err
			}
			if err := template.WriteFile(out, tpl); err != nil {
				return err
			}
			log.Info().
				Str("path", out).
				Int("bones", len(tpl.Bones())).
				Int("markers", len(tpl.MarkerLabels())).
				Msg("wrote suit template")
			return nil
		},
	}
	generate.Flags().StringVar(&out, "out", "", "output template path")
	generate.Flags().StringVar(&labelsPath, "labels", "", "marker label list, generated names when empty")
	generate.MarkFlagRequired("out")

	check := &cobra.Command{
		Use:   "check <template.csv>",
		Short: "Validate a template file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := template.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := tpl.Validate(); err != nil {
				return err
			}
			root, err := tpl.Root()
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok, root %s, %d bones, %d markers\n",
				args[0], root.Name, len(tpl.Bones()), len(tpl.MarkerLabels()))
			return nil
		},
	}

	cmd.AddCommand(generate, check)
	return cmd
}

func newCompareCmd() *cobra.Command {
	var tplPath, unit string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "compare <clip.bvh>",
		Short: "Compare a fitted template against a BVH ground truth hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			clip, err := bvh.ReadFile(args[0])
			if err != nil {
				return err
			}
			tpl, err := template.ReadFile(tplPath)
			if err != nil {
				return err
			}
			sk, err := skeleton.Build(tpl, skeleton.Options{Units: unit})
			if err != nil {
				return err
			}

			positions := make(map[string]geom.Vec3)
			for _, j := range sk.Bones() {
				positions[j.Base] = j.GlobalPosition()
			}
			cmp := clip.Compare(positions)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(cmp)
			}
			fmt.Printf("%d joints matched, mean %.2f cm, max %.2f cm\n",
				len(cmp.Deltas), cmp.MeanError, cmp.MaxError)
			for _, d := range cmp.Deltas {
				fmt.Printf("  %-16s %6.2f cm\n", d.Joint, d.Distance)
			}
			if len(cmp.OnlyInClip) > 0 {
				fmt.Printf("only in clip: %s\n", strings.Join(cmp.OnlyInClip, ", "))
			}
			if len(cmp.OnlyInOther) > 0 {
				fmt.Printf("only in template: %s\n", strings.Join(cmp.OnlyInOther, ", "))
			}
			return nil
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().StringVar(&tplPath, "template", "", "fitted skeleton template (.csv)")
	cmd.Flags().StringVar(&unit, "units", "m", "template length unit")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full comparison as JSON")
	cmd.MarkFlagRequired("template")

	return cmd
}

func newMigrateCmd() *cobra.Command {
	cfg := config.Default()
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the session store schema",
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to TOML config file")
	cmd.PersistentFlags().StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "session store path")
	cmd.PersistentFlags().StringVar(&cfg.MigrationsDir, "migrations", cfg.MigrationsDir, "migrations directory")

	open := func(cmd *cobra.Command) (*db.DB, error) {
		if err := applyConfigFile(cmd, cfgPath, &cfg); err != nil {
			return nil, err
		}
		return db.New(cfg.DatabasePath)
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := open(cmd)
			if err != nil {
				return err
			}
			defer database.Close()
			return database.MigrateUp(cfg.MigrationsDir)
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back one migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := open(cmd)
			if err != nil {
				return err
			}
			defer database.Close()
			return database.MigrateDown(cfg.MigrationsDir)
		},
	}
	version := &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := open(cmd)
			if err != nil {
				return err
			}
			defer database.Close()
			v, dirty, err := database.MigrateVersion(cfg.MigrationsDir)
			if err != nil {
				return err
			}
			fmt.Printf("version %d dirty %v\n", v, dirty)
			return nil
		},
	}
	var forceVersion int
	force := &cobra.Command{
		Use:   "force",
		Short: "Force the schema version without running migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := open(cmd)
			if err != nil {
				return err
			}
			defer database.Close()
			return database.MigrateForce(cfg.MigrationsDir, forceVersion)
		},
	}
	force.Flags().IntVar(&forceVersion, "version", 0, "version to force")
	force.MarkFlagRequired("version")

	cmd.AddCommand(up, down, version, force)
	return cmd
}
