package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/engine"
)

var (
	// Global flags
	verbose   bool
	workspace string
	traceOn   bool

	// Logger
	logger *zap.Logger

	// Engine handle, built lazily by commands that need it
	eng *engine.Engine
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "viking",
	Short: "OpenViking - context database for AI agents",
	Long: `OpenViking ingests documents, code and conversations into a
hierarchical, semantically-indexed virtual filesystem under the viking://
namespace, and answers natural-language queries over it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if eng != nil {
			_ = eng.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openEngine builds the engine from the workspace config.
func openEngine(ctx context.Context) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger.Debug("engine config loaded", zap.String("workspace", cfg.Workspace))
	eng, err = engine.New(ctx, cfg)
	return err
}

// emit prints a result as indented JSON.
func emit(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		logger.Info("workspace initialized", zap.String("workspace", workspace))
		return emit(eng.Health())
	},
}

var addCmd = &cobra.Command{
	Use:   "add [path-or-url]",
	Short: "Ingest a document, web page or source file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		scope, _ := cmd.Flags().GetString("scope")
		wait, _ := cmd.Flags().GetBool("wait")
		reason, _ := cmd.Flags().GetString("reason")

		logger.Info("ingesting", zap.String("input", args[0]), zap.String("scope", scope))
		res, err := eng.Add(ctx, args[0], scope, engine.AddResourceOptions{
			Reason: reason,
			Wait:   wait,
			Trace:  traceOn,
		})
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var findCmd = &cobra.Command{
	Use:   "find [query]",
	Short: "Search the context tree by natural language",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")
		limit, _ := cmd.Flags().GetInt("limit")

		res, err := eng.Find(ctx, strings.Join(args, " "), engine.FindOptions{
			TargetURI: target,
			Limit:     limit,
			Trace:     traceOn,
		})
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [uri]",
	Short: "List a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		recursive, _ := cmd.Flags().GetBool("recursive")
		hidden, _ := cmd.Flags().GetBool("hidden")
		entries, err := eng.Ls(ctx, args[0], agfs.LsOptions{Recursive: recursive, IncludeHidden: hidden})
		if err != nil {
			return err
		}
		return emit(entries)
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree [uri]",
	Short: "Show a hierarchical listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		depth, _ := cmd.Flags().GetInt("depth")
		node, err := eng.Tree(ctx, args[0], agfs.TreeOptions{Depth: depth})
		if err != nil {
			return err
		}
		return emit(node)
	},
}

var abstractCmd = &cobra.Command{
	Use:   "abstract [dir-uri]",
	Short: "Print a directory's L0 abstract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		text, err := eng.Abstract(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var overviewCmd = &cobra.Command{
	Use:   "overview [dir-uri]",
	Short: "Print a directory's L1 overview",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		text, err := eng.Overview(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm [uri]",
	Short: "Remove a node (and its vectors)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		recursive, _ := cmd.Flags().GetBool("recursive")
		if err := eng.Remove(ctx, args[0], recursive); err != nil {
			return err
		}
		logger.Info("removed", zap.String("uri", args[0]))
		return nil
	},
}

var grepCmd = &cobra.Command{
	Use:   "grep [pattern] [uri]",
	Short: "Regex search over leaf contents (streamed, not indexed)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		target := ""
		if len(args) > 1 {
			target = args[1]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		matches, err := eng.Grep(ctx, args[0], target, limit)
		if err != nil {
			return err
		}
		return emit(matches)
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		id, err := eng.SessionCreate(ctx)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var sessionAddCmd = &cobra.Command{
	Use:   "add [id] [role] [content]",
	Short: "Append a message to a session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		return eng.SessionAddMessage(ctx, args[0], args[1], args[2])
	},
}

var sessionCommitCmd = &cobra.Command{
	Use:   "commit [id]",
	Short: "Distil a session into long-term memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		res, err := eng.SessionCommit(ctx, args[0], traceOn)
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		infos, err := eng.SessionList(ctx)
		if err != nil {
			return err
		}
		return emit(infos)
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		return eng.SessionDelete(ctx, args[0])
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until all queues drain",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		stats, err := eng.Wait(ctx, timeout)
		if err != nil {
			return err
		}
		return emit(stats)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Readiness of the engine's collaborators",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := openEngine(ctx); err != nil {
			return err
		}
		return emit(eng.Ready(ctx))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".viking-data", "workspace directory")
	rootCmd.PersistentFlags().BoolVar(&traceOn, "trace", false, "collect request traces")

	addCmd.Flags().String("scope", "resources", "target scope: resources, user or agent")
	addCmd.Flags().Bool("wait", false, "wait for semantic processing to finish")
	addCmd.Flags().String("reason", "", "why this resource is being added")
	findCmd.Flags().String("target", "", "restrict search to a subtree")
	findCmd.Flags().Int("limit", 10, "max results")
	lsCmd.Flags().BoolP("recursive", "r", false, "recurse into subdirectories")
	lsCmd.Flags().Bool("hidden", false, "include hidden entries")
	treeCmd.Flags().Int("depth", 0, "max depth (0 = unlimited)")
	rmCmd.Flags().BoolP("recursive", "r", false, "delete subtrees")
	grepCmd.Flags().Int("limit", 100, "max matches")
	waitCmd.Flags().Duration("timeout", 10*time.Minute, "drain deadline")

	sessionCmd.AddCommand(sessionCreateCmd, sessionAddCmd, sessionCommitCmd, sessionListCmd, sessionDeleteCmd)
	rootCmd.AddCommand(initCmd, addCmd, findCmd, lsCmd, treeCmd, abstractCmd, overviewCmd,
		rmCmd, grepCmd, sessionCmd, waitCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
