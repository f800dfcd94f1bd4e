package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	var server string
	c := func() *client { return newClient(strings.TrimRight(server, "/")) }

	root := &cobra.Command{
		Use:   "chat",
		Short: "Terminal client for a running parlor server",
		Long: strings.TrimSpace(`chat talks to the local parlor API.

Run without a subcommand for an interactive session; replies stream as they
arrive. Subcommands manage history, personas, saves and the API key.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return interactive(c())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&server, "server", "s", envOr("PARLOR_SERVER", "http://localhost:8080"), "parlor server URL")

	root.AddCommand(&cobra.Command{
		Use:     "send <message>",
		Short:   "Send one message and stream the reply",
		Example: `  chat send "hello there"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			err := c().streamChat(ctx, strings.Join(args, " "), os.Stdout)
			fmt.Println()
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "Print the stored conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printHistory(c())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear the conversation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c().clear(); err != nil {
				return err
			}
			fmt.Println("History cleared.")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "personas",
		Short: "List personas and show the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPersonas(c())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "use <persona>",
		Short: "Switch the active persona",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return usePersona(c(), args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "rounds <n>",
		Short: "Set how many stored messages are replayed per turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setRounds(c(), args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "key [api-key]",
		Short: "Show whether an API key is set, or set one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := c().setKey(args[0]); err != nil {
					return err
				}
				fmt.Println("API key saved.")
				return nil
			}
			has, err := c().keyStatus()
			if err != nil {
				return err
			}
			if has {
				fmt.Println("API key is set.")
			} else {
				fmt.Println("No API key set.")
			}
			return nil
		},
	})

	root.AddCommand(newSavesCommand(c))
	root.AddCommand(newArchiveCommand(c))

	var from string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow committed turns as the server publishes them",
		Long: strings.TrimSpace(`tail prints each committed exchange from the server's turn feed.
The feed needs Redis configured on the server. Use --from 0 to replay the
retained stream first.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return c().tail(ctx, from, func(ev turnEvent) {
				printExchange(os.Stdout, ev.Exchange)
			})
		},
	}
	tail.Flags().StringVar(&from, "from", "", "Stream ID to resume after (0 replays everything)")
	root.AddCommand(tail)
	return root
}

func newArchiveCommand(c func() *client) *cobra.Command {
	var (
		personaName string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List archived exchanges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c().archive(personaName, limit)
			if err != nil {
				return err
			}
			for _, ex := range rows {
				printExchange(os.Stdout, ex)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&personaName, "persona", "p", "", "Only exchanges with this persona")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of most recent exchanges")

	cmd.AddCommand(&cobra.Command{
		Use:   "snapshot <exchange-id>",
		Short: "Print the conversation as it stood after an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c().snapshot(args[0])
			if err != nil {
				return err
			}
			rounds := "default"
			if snap.MemoryRounds != nil {
				rounds = strconv.Itoa(*snap.MemoryRounds)
			}
			fmt.Printf("\033[36m[%s]\033[0m memory rounds: %s\n", snap.PromptName, rounds)
			for _, t := range snap.ChatHistory {
				fmt.Printf("\033[33m%s:\033[0m %s\n", t.Role, t.Content)
			}
			return nil
		},
	})
	return cmd
}

func printExchange(w io.Writer, ex exchange) {
	fmt.Fprintf(w, "\033[90m%s %s\033[0m \033[36m[%s]\033[0m\n", ex.At.Local().Format("2006-01-02 15:04"), ex.ID, ex.Persona)
	fmt.Fprintf(w, "\033[33muser:\033[0m %s\n", ex.User)
	fmt.Fprintf(w, "\033[33massistant:\033[0m %s\n", ex.Assistant)
	if ex.Image != "" {
		fmt.Fprintf(w, "[image: %s]\n", ex.Image)
	}
}

func newSavesCommand(c func() *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saves",
		Short: "List named saves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := c().saves()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}

	var force bool
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Save the conversation under a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return saveAs(c(), args[0], force)
		},
	}
	save.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing save")

	load := &cobra.Command{
		Use:   "load <name>",
		Short: "Replace the conversation with a named save",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c().load(args[0]); err != nil {
				return err
			}
			fmt.Printf("Loaded %s.\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(save, load)
	return cmd
}

func printHistory(c *client) error {
	h, err := c.history()
	if err != nil {
		return err
	}
	fmt.Printf("\033[36m[%s]\033[0m memory rounds: %d\n", h.CurrentPrompt, h.MemoryRounds)
	for _, t := range h.ChatHistory {
		fmt.Printf("\033[33m%s:\033[0m %s\n", t.Role, t.Content)
	}
	return nil
}

func printPersonas(c *client) error {
	p, err := c.personas()
	if err != nil {
		return err
	}
	for _, name := range p.Prompts {
		marker := "  "
		if name == p.CurrentPrompt {
			marker = "\033[32m*\033[0m "
		}
		fmt.Println(marker + name)
	}
	return nil
}

func usePersona(c *client, name string) error {
	loaded, err := c.usePersona(name)
	if err != nil {
		return err
	}
	if loaded != strings.TrimSuffix(name, ".json") {
		fmt.Printf("%s unavailable, using %s.\n", name, loaded)
		return nil
	}
	fmt.Printf("Persona: %s\n", loaded)
	return nil
}

func setRounds(c *client, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("rounds must be an integer: %q", arg)
	}
	stored, err := c.setRounds(n)
	if err != nil {
		return err
	}
	fmt.Printf("Memory rounds: %d\n", stored)
	return nil
}

func saveAs(c *client, name string, force bool) error {
	err := c.save(name, force)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == "exists" {
		return fmt.Errorf("save %q exists; use --force to overwrite", name)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s.\n", name)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
