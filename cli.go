package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	hostFlag     string
	portFlag     int
	userFlag     string
	profileFlag  string
	identityFlag string
	agentFlag    bool
	policyFlag   string
	verboseFlag  bool
)

// Execute is the main entry point called from main.go.
func Execute() {
	rootCmd := &cobra.Command{
		Use:   "drift [user@host[:port]]",
		Short: "Remote file session manager over SFTP",
		Long: "drift maintains a single SSH/SFTP session and coordinates remote\n" +
			"browsing, transfers, and in-place editing through an interactive shell.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := parseTarget(args[0]); err != nil {
					return err
				}
			}
			return runShell()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&hostFlag, "host", "H", "", "remote host")
	rootCmd.PersistentFlags().IntVarP(&portFlag, "port", "p", 0, "remote port (default 22)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "remote username")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "connect using a saved profile")
	rootCmd.PersistentFlags().StringVarP(&identityFlag, "identity", "i", "", "private key file")
	rootCmd.PersistentFlags().BoolVar(&agentFlag, "agent", false, "authenticate via ssh-agent")
	rootCmd.PersistentFlags().StringVar(&policyFlag, "host-key-policy", "",
		"host key policy: reject-unknown, accept-new, or insecure")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newProfilesCmd())
	rootCmd.AddCommand(newUpdateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// parseTarget fills the connection flags from a user@host[:port] argument.
func parseTarget(target string) error {
	rest := target
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userFlag = rest[:at]
		rest = rest[at+1:]
	}
	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil {
			return fmt.Errorf("invalid port in target %q", target)
		}
		portFlag = port
		rest = rest[:colon]
	}
	if rest == "" {
		return fmt.Errorf("invalid target %q", target)
	}
	hostFlag = rest
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := GetVersionInfo()
			fmt.Printf("drift %s (%s, %s) %s %s/%s\n",
				info.Version, info.GitCommit, info.BuildDate,
				info.GoVersion, info.Platform, info.Arch)
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Check for a newer release",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := CheckForUpdates()
			if err != nil {
				return err
			}
			if !info.Available {
				fmt.Printf("drift %s is up to date\n", info.CurrentVersion)
				return nil
			}
			fmt.Printf("update available: %s -> %s\n", info.CurrentVersion, info.LatestVersion)
			return nil
		},
	}
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List saved connection profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppFromFlags()
			if err != nil {
				return err
			}
			defer app.Close()

			store := app.Profiles()
			if store == nil {
				return fmt.Errorf("profile store unavailable")
			}
			profiles := store.List()
			if len(profiles) == 0 {
				fmt.Println("no profiles")
				return nil
			}
			for _, p := range profiles {
				port := p.Port
				if port == 0 {
					port = DefaultSSHPort
				}
				fmt.Printf("%-20s %s@%s:%d\n", p.Name, p.Username, p.Host, port)
			}
			return nil
		},
	}
}

func newAppFromFlags() (*App, error) {
	logger, err := newLogger(verboseFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return NewApp(logger)
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("stdin is not a terminal, cannot prompt for password")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}

// connectFromFlags connects using either --profile or the host flags.
func connectFromFlags(app *App) error {
	if profileFlag != "" {
		info, err := app.ConnectProfile(profileFlag, "")
		if err == nil {
			fmt.Printf("connected to %s\n", info.Target())
			return nil
		}
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			return err
		}
		// Key and agent auth failed; fall back to an interactive password.
		password, perr := promptPassword("password: ")
		if perr != nil {
			return err
		}
		info, err = app.ConnectProfile(profileFlag, password)
		if err != nil {
			return err
		}
		fmt.Printf("connected to %s\n", info.Target())
		return nil
	}

	if hostFlag == "" {
		return nil // Start disconnected; "connect" works inside the shell.
	}
	if userFlag == "" {
		return fmt.Errorf("--user is required when --host is set")
	}

	cfg := ConnectConfig{
		Host:          hostFlag,
		Port:          portFlag,
		Username:      userFlag,
		HostKeyPolicy: HostKeyPolicy(policyFlag),
		Credential: Credential{
			KeyPath:               identityFlag,
			UseAgent:              agentFlag,
			AllowKeyAutoDiscovery: identityFlag == "",
		},
	}

	info, err := app.Connect(cfg)
	if err != nil {
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			return err
		}
		password, perr := promptPassword("password: ")
		if perr != nil {
			return err
		}
		cfg.Credential.Password = password
		info, err = app.Connect(cfg)
		if err != nil {
			return err
		}
	}
	fmt.Printf("connected to %s\n", info.Target())
	return nil
}

// runShell starts the interactive command loop.
func runShell() error {
	app, err := newAppFromFlags()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := connectFromFlags(app); err != nil {
		return err
	}

	// Stream job completion events to stderr so progress stays visible while
	// the user keeps typing.
	events, unsubscribe := app.Events(64)
	defer unsubscribe()
	go func() {
		for ev := range events {
			switch ev.Phase {
			case PhaseComplete:
				fmt.Fprintf(os.Stderr, "[%s] %s done (%d bytes)\n", ev.Kind, ev.Path, ev.Transferred)
			case PhaseError:
				fmt.Fprintf(os.Stderr, "[%s] %s failed: %s\n", ev.Kind, ev.Path, ev.Error)
			case PhaseCancelled:
				fmt.Fprintf(os.Stderr, "[%s] %s cancelled\n", ev.Kind, ev.Path)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(shellPrompt(app))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb, args := fields[0], fields[1:]

		if verb == "quit" || verb == "exit" {
			break
		}
		if err := runShellCommand(app, verb, args); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	return scanner.Err()
}

func shellPrompt(app *App) string {
	info := app.CurrentSession()
	if info == nil {
		return "drift> "
	}
	path := "~"
	if listing, err := app.Listing(); err == nil {
		path = listing.Path
	}
	return fmt.Sprintf("%s:%s> ", info.Target(), path)
}

func runShellCommand(app *App, verb string, args []string) error {
	switch verb {
	case "help":
		printShellHelp()
		return nil

	case "connect":
		if len(args) != 1 {
			return fmt.Errorf("usage: connect user@host[:port]")
		}
		if err := parseTarget(args[0]); err != nil {
			return err
		}
		return connectFromFlags(app)

	case "disconnect":
		return app.Disconnect()

	case "status":
		status, lastErr := app.SessionStatus()
		fmt.Println("session:", status)
		if lastErr != nil {
			fmt.Println("last error:", lastErr)
		}
		return nil

	case "ls":
		var listing *DirectoryListing
		var err error
		if len(args) > 0 {
			listing, err = app.Navigate(args[0])
		} else {
			listing, err = app.Listing()
			if errors.Is(err, ErrStale) {
				listing, err = app.Refresh()
			}
		}
		if err != nil {
			return err
		}
		printListing(listing)
		return nil

	case "cd":
		if len(args) != 1 {
			return fmt.Errorf("usage: cd <path>")
		}
		_, err := app.Navigate(args[0])
		return err

	case "pwd":
		listing, err := app.Listing()
		if err != nil {
			return err
		}
		fmt.Println(listing.Path)
		return nil

	case "refresh":
		_, err := app.Refresh()
		return err

	case "put":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: put <local-file> [remote-dir]")
		}
		remoteDir := ""
		if len(args) == 2 {
			remoteDir = args[1]
		}
		job, err := app.Upload(args[0], remoteDir)
		if err != nil {
			return err
		}
		fmt.Println("upload started:", job.ID)
		return nil

	case "get":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: get <remote-file> [local-dir]")
		}
		localDir := "."
		if len(args) == 2 {
			localDir = args[1]
		}
		job, err := app.Download(args[0], localDir)
		if err != nil {
			return err
		}
		fmt.Println("download started:", job.ID)
		return nil

	case "cat", "open":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <remote-file>", verb)
		}
		job, err := app.Open(args[0])
		if err != nil {
			return err
		}
		if err := job.Wait(context.Background()); err != nil {
			return err
		}
		fmt.Print(job.Result())
		if result := job.Result(); result != "" && !strings.HasSuffix(result, "\n") {
			fmt.Println()
		}
		return nil

	case "save":
		if len(args) != 2 {
			return fmt.Errorf("usage: save <remote-file> <local-source-file>")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[1], err)
		}
		job, err := app.Save(args[0], string(data))
		if err != nil {
			return err
		}
		fmt.Println("save started:", job.ID)
		return nil

	case "rm":
		recursive := false
		if len(args) > 0 && args[0] == "-r" {
			recursive = true
			args = args[1:]
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: rm [-r] <remote-path>")
		}
		job, err := app.Delete(args[0], recursive)
		if err != nil {
			return err
		}
		fmt.Println("delete started:", job.ID)
		return nil

	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("usage: mkdir <remote-path>")
		}
		return app.Mkdir(args[0])

	case "mv":
		if len(args) != 2 {
			return fmt.Errorf("usage: mv <old-path> <new-path>")
		}
		return app.Rename(args[0], args[1])

	case "jobs":
		jobs := app.Jobs()
		if len(jobs) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-8s %-10s %s", j.ID, j.Kind, j.State, j.Source)
			if j.Total > 0 {
				fmt.Printf("  %d/%d bytes", j.Transferred, j.Total)
			}
			if j.Error != "" {
				fmt.Printf("  (%s)", j.Error)
			}
			fmt.Println()
		}
		return nil

	case "cancel":
		if len(args) != 1 {
			return fmt.Errorf("usage: cancel <job-id>")
		}
		return app.CancelJob(JobID(args[0]))

	default:
		return fmt.Errorf("unknown command %q, try \"help\"", verb)
	}
}

func printListing(listing *DirectoryListing) {
	fmt.Println(listing.Path)
	for _, entry := range listing.Entries {
		marker := " "
		if entry.Kind == EntryDirectory {
			marker = "d"
		}
		name := entry.Name
		if entry.IsSymlink {
			name += " -> " + entry.SymlinkTarget
		}
		fmt.Printf("%s %10d  %s  %s\n", marker, entry.Size,
			entry.ModifiedTime.Format("2006-01-02 15:04"), name)
	}
}

func printShellHelp() {
	fmt.Print(`commands:
  connect user@host[:port]   establish a session
  disconnect                 tear down the session
  status                     show session state
  ls [path]                  list a directory (navigates when path given)
  cd <path>                  change remote directory
  pwd                        print current remote directory
  refresh                    re-list the current directory
  put <local> [remote-dir]   upload a file
  get <remote> [local-dir]   download a file
  cat <remote>               print a remote text file
  save <remote> <local>      overwrite a remote file with local content
  rm [-r] <remote>           delete a file (or directory tree with -r)
  mkdir <remote>             create a directory
  mv <old> <new>             rename a file or directory
  jobs                       list transfer jobs
  cancel <job-id>            cancel a job
  quit                       exit
`)
}
