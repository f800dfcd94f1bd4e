package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

const helpText = `Commands:
  /history          show the conversation
  /clear            clear the conversation
  /personas         list personas
  /use <name>       switch persona
  /rounds <n>       set memory rounds
  /save <name>      save the conversation (/save! overwrites)
  /load <name>      load a named save
  exit, quit        leave`

// interactive runs a readline session; each line is one streamed turn.
func interactive(c *client) error {
	fmt.Println("Parlor chat")
	fmt.Printf("Server: %s\n", c.base)
	if has, err := c.keyStatus(); err != nil {
		printError("Server unreachable: %v", err)
	} else if !has {
		fmt.Println("No API key set. Run: chat key <api-key>")
	}
	if p, err := c.personas(); err == nil {
		fmt.Printf("Persona: %s\n", p.CurrentPrompt)
	}
	fmt.Println("Type /help for commands.")
	fmt.Println("---")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[32m> \033[0m",
		HistoryFile:     filepath.Join(os.TempDir(), ".parlor_chat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		return simpleInteractive(c)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nBye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleLine(c, line) {
			return nil
		}
	}
}

func simpleInteractive(c *client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if !handleLine(c, scanner.Text()) {
			return nil
		}
	}
}

// handleLine runs one input line and reports whether to keep going.
func handleLine(c *client, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Println("Bye!")
		return false
	}
	if strings.HasPrefix(input, "/") {
		if err := runCommand(c, input); err != nil {
			printError("%v", err)
		}
		return true
	}

	// Ctrl-C during a reply abandons that turn only.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := c.streamChat(ctx, input, os.Stdout)
	stop()
	fmt.Println()
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Println("(reply abandoned)")
	case err != nil:
		printError("%v", err)
	}
	return true
}

func runCommand(c *client, input string) error {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	needArg := func() error {
		if arg == "" {
			return fmt.Errorf("%s needs an argument", cmd)
		}
		return nil
	}

	switch cmd {
	case "/help":
		fmt.Println(helpText)
	case "/history":
		return printHistory(c)
	case "/clear":
		if err := c.clear(); err != nil {
			return err
		}
		fmt.Println("History cleared.")
	case "/personas":
		return printPersonas(c)
	case "/use":
		if err := needArg(); err != nil {
			return err
		}
		return usePersona(c, arg)
	case "/rounds":
		if err := needArg(); err != nil {
			return err
		}
		return setRounds(c, arg)
	case "/save", "/save!":
		if err := needArg(); err != nil {
			return err
		}
		return saveAs(c, arg, cmd == "/save!")
	case "/load":
		if err := needArg(); err != nil {
			return err
		}
		if err := c.load(arg); err != nil {
			return err
		}
		fmt.Printf("Loaded %s.\n", arg)
	default:
		return fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return nil
}
