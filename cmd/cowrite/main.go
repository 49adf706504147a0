package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/cowritehq/cowrite/internal/config"
	"github.com/cowritehq/cowrite/internal/docsync"
	"github.com/cowritehq/cowrite/internal/logging"
	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/cowritehq/cowrite/internal/remotefs"
	"github.com/cowritehq/cowrite/internal/room"
	"github.com/cowritehq/cowrite/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cowrite",
		Short: "Collaborative workspace client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "host",
			Short: "Create a room and share the local workspace",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runHost(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "join <room>",
			Short: "Join a room and browse its workspace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runJoin(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "rooms",
			Short: "List rooms on the server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRooms(cmd.Context())
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Coordination server URL (ws:// or wss://)")
	cmd.PersistentFlags().String("state-path", defaults.GetString("state.path"), "Local reconnect-state database path")
	cmd.PersistentFlags().String("workspace-root", defaults.GetString("workspace.root"), "Workspace directory shared when hosting")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "state.path", "state-path")
	bindFlag(cmd, "workspace.root", "workspace-root")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// terminalPrompter reads room names and passwords from stdin.
type terminalPrompter struct {
	reader *bufio.Reader
}

func newTerminalPrompter() *terminalPrompter {
	return &terminalPrompter{reader: bufio.NewReader(os.Stdin)}
}

func (prompter *terminalPrompter) RoomName(retry bool) (string, error) {
	if retry {
		fmt.Print("That room name is taken, pick another: ")
	} else {
		fmt.Print("Room name: ")
	}
	return prompter.readLine()
}

func (prompter *terminalPrompter) Password(retry bool) (string, error) {
	if retry {
		fmt.Print("Wrong password, try again: ")
	} else {
		fmt.Print("Password (empty for none): ")
	}
	return prompter.readLine()
}

func (prompter *terminalPrompter) readLine() (string, error) {
	line, err := prompter.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// consoleWorkspace narrates workspace availability for the terminal client.
type consoleWorkspace struct{}

func (consoleWorkspace) OpenWorkspace(context.Context) error {
	fmt.Println("remote workspace mounted; type 'help' for commands")
	return nil
}

func (consoleWorkspace) CloseWorkspace(context.Context) error {
	fmt.Println("remote workspace closed")
	return nil
}

type clientRig struct {
	cfg     config.ClientConfig
	logger  *zap.Logger
	session *transport.Session
	store   *room.CredentialStore
}

func buildRig() (*clientRig, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	session, err := transport.NewSession(transport.SessionConfig{
		ServerURL:    clientConfig.ServerURL,
		RPCTimeout:   clientConfig.RPCTimeout,
		ReconnectMax: clientConfig.ReconnectMax,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	store, err := room.OpenCredentialStore(clientConfig.StatePath)
	if err != nil {
		return nil, err
	}
	return &clientRig{cfg: clientConfig, logger: logger, session: session, store: store}, nil
}

func (rig *clientRig) close() {
	rig.session.Close()
	rig.store.Close()
	rig.logger.Sync() //nolint:errcheck
}

func runHost(ctx context.Context) error {
	rig, err := buildRig()
	if err != nil {
		return err
	}
	defer rig.close()

	if rig.cfg.WorkspaceRoot == "" {
		return fmt.Errorf("workspace.root is required to host")
	}
	responder, err := remotefs.NewResponder(remotefs.ResponderConfig{
		WorkspaceRoot: rig.cfg.WorkspaceRoot,
		Logger:        rig.logger,
	})
	if err != nil {
		return err
	}
	watcher, err := remotefs.NewWatcher(remotefs.WatcherConfig{
		WorkspaceRoot: rig.cfg.WorkspaceRoot,
		Debounce:      rig.cfg.WatchDebounce,
		Publish: func(changes []protocol.FileChange) {
			err := rig.session.Notify(protocol.TypeFileChanged, protocol.FileChangedPayload{Changes: changes})
			if err != nil {
				rig.logger.Warn("change publish failed", zap.Error(err))
			}
		},
		Logger: rig.logger,
	})
	if err != nil {
		return err
	}

	if err := rig.session.Connect(ctx); err != nil {
		return err
	}
	engine, err := docsync.NewEngine(docsync.EngineConfig{
		Dialer: &docsync.WebsocketDialer{ServerURL: rig.cfg.ServerURL},
		Actor:  rig.session.ParticipantID(),
		Logger: rig.logger,
	})
	if err != nil {
		return err
	}
	manager, err := room.NewManager(room.ManagerConfig{
		Session:     rig.session,
		Credentials: rig.store,
		Prompter:    newTerminalPrompter(),
		Responder:   responder,
		Watcher:     watcher,
		Documents:   engine,
		Logger:      rig.logger,
	})
	if err != nil {
		return err
	}

	if err := manager.CreateRoom(ctx); err != nil {
		return err
	}
	engine.SetToken(manager.DocToken())
	fmt.Printf("hosting %q from %s; Ctrl-C to stop\n", manager.RoomName(), rig.cfg.WorkspaceRoot)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	return manager.LeaveRoom(context.Background())
}

func runJoin(ctx context.Context, roomName string) error {
	rig, err := buildRig()
	if err != nil {
		return err
	}
	defer rig.close()

	if err := rig.session.Connect(ctx); err != nil {
		return err
	}

	proxy, err := remotefs.NewProxy(remotefs.ProxyConfig{Caller: rig.session, Logger: rig.logger})
	if err != nil {
		return err
	}
	engine, err := docsync.NewEngine(docsync.EngineConfig{
		Dialer: &docsync.WebsocketDialer{ServerURL: rig.cfg.ServerURL},
		Actor:  rig.session.ParticipantID(),
		Logger: rig.logger,
	})
	if err != nil {
		return err
	}
	manager, err := room.NewManager(room.ManagerConfig{
		Session:       rig.session,
		Credentials:   rig.store,
		Prompter:      newTerminalPrompter(),
		Workspace:     consoleWorkspace{},
		Documents:     engine,
		OnFileChanges: proxy.DispatchChanges,
		Logger:        rig.logger,
	})
	if err != nil {
		return err
	}

	if err := manager.JoinRoom(ctx, roomName); err != nil {
		return err
	}
	engine.SetToken(manager.DocToken())

	repl := &workspaceREPL{
		ctx:     ctx,
		manager: manager,
		proxy:   proxy,
		engine:  engine,
	}
	return repl.run()
}

func runRooms(ctx context.Context) error {
	rig, err := buildRig()
	if err != nil {
		return err
	}
	defer rig.close()

	if err := rig.session.Connect(ctx); err != nil {
		return err
	}
	var listing protocol.RoomListPayload
	if err := rig.session.Call(ctx, protocol.TypeGetRooms, struct{}{}, &listing); err != nil {
		return err
	}

	if len(listing.Rooms) == 0 {
		fmt.Println("no rooms")
		return nil
	}
	names := make([]string, 0, len(listing.Rooms))
	for name := range listing.Rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := listing.Rooms[name]
		lock := ""
		if info.HasPassword {
			lock = " (password)"
		}
		fmt.Printf("%s  %d member(s)%s\n", name, info.MemberCount, lock)
	}
	return nil
}

// replEditor is the terminal's document surface: remote updates print as
// they land.
type replEditor struct {
	path    string
	content string
}

func (editor *replEditor) Content() string { return editor.content }

func (editor *replEditor) SetContent(text string) {
	editor.content = text
	fmt.Printf("[%s] synced (%d bytes)\n", editor.path, len(text))
}

func (editor *replEditor) RenderCursor(participantID string, start, end int, color string) {
	fmt.Printf("[%s] %s selects %d:%d (%s)\n", editor.path, participantID, start, end, color)
}

func (editor *replEditor) ClearCursor(participantID string) {
	fmt.Printf("[%s] %s left the document\n", editor.path, participantID)
}

type workspaceREPL struct {
	ctx     context.Context
	manager *room.Manager
	proxy   *remotefs.Proxy
	engine  *docsync.Engine

	openDoc    *docsync.Attachment
	openEditor *replEditor
	unwatch    func()
}

func (repl *workspaceREPL) run() error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return repl.shutdown()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		done, err := repl.execute(fields[0], fields[1:])
		if err != nil {
			fmt.Println("error:", err)
		}
		if done {
			return repl.shutdown()
		}
	}
}

func (repl *workspaceREPL) shutdown() error {
	if repl.openDoc != nil {
		repl.openDoc.Close()
	}
	if repl.unwatch != nil {
		repl.unwatch()
	}
	return repl.manager.LeaveRoom(context.Background())
}

func (repl *workspaceREPL) execute(command string, args []string) (bool, error) {
	switch command {
	case "help":
		fmt.Println("ls [path] | cat <path> | put <path> <text> | mkdir <path> | rm <path> | mv <old> <new>")
		fmt.Println("watch <path> | open <path> | edit <text> | cursor <start> <end> | close | quit")
		return false, nil
	case "ls":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		entries, err := repl.proxy.ReadDirectory(repl.ctx, path)
		if err != nil {
			return false, err
		}
		for _, entry := range entries {
			suffix := ""
			if entry.Type == protocol.FileTypeDirectory {
				suffix = "/"
			}
			fmt.Println(entry.Name + suffix)
		}
		return false, nil
	case "cat":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: cat <path>")
		}
		content, err := repl.proxy.ReadFile(repl.ctx, args[0])
		if err != nil {
			return false, err
		}
		fmt.Print(string(content))
		return false, nil
	case "put":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: put <path> <text>")
		}
		return false, repl.proxy.WriteFile(repl.ctx, args[0], []byte(strings.Join(args[1:], " ")))
	case "mkdir":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: mkdir <path>")
		}
		return false, repl.proxy.CreateDirectory(repl.ctx, args[0])
	case "rm":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: rm <path>")
		}
		return false, repl.proxy.Delete(repl.ctx, args[0], true)
	case "mv":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: mv <old> <new>")
		}
		return false, repl.proxy.Rename(repl.ctx, args[0], args[1], false)
	case "watch":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: watch <path>")
		}
		if repl.unwatch != nil {
			repl.unwatch()
		}
		cancel, err := repl.proxy.Watch(args[0], true, func(changes []protocol.FileChange) {
			for _, change := range changes {
				fmt.Printf("[watch] %s %s\n", change.Kind, change.Path)
			}
		})
		if err != nil {
			return false, err
		}
		repl.unwatch = cancel
		return false, nil
	case "open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: open <path>")
		}
		if repl.openDoc != nil {
			repl.openDoc.Close()
		}
		content, err := repl.proxy.ReadFile(repl.ctx, args[0])
		if err != nil {
			content = nil
		}
		editor := &replEditor{path: args[0], content: string(content)}
		attachment, err := repl.engine.Attach(repl.ctx, args[0], editor, editor)
		if err != nil {
			return false, err
		}
		repl.openDoc = attachment
		repl.openEditor = editor
		fmt.Printf("[%s] opened (%d bytes)\n", args[0], len(attachment.Text()))
		return false, nil
	case "edit":
		if repl.openDoc == nil {
			return false, fmt.Errorf("no open document")
		}
		text := strings.Join(args, " ")
		repl.openEditor.content = text
		return false, repl.openDoc.LocalEdit(text)
	case "cursor":
		if repl.openDoc == nil {
			return false, fmt.Errorf("no open document")
		}
		var start, end int
		if len(args) != 2 {
			return false, fmt.Errorf("usage: cursor <start> <end>")
		}
		if _, err := fmt.Sscanf(args[0]+" "+args[1], "%d %d", &start, &end); err != nil {
			return false, err
		}
		return false, repl.openDoc.PublishPresence(start, end)
	case "close":
		if repl.openDoc != nil {
			repl.openDoc.Close()
			repl.openDoc = nil
			repl.openEditor = nil
		}
		return false, nil
	case "quit", "exit", "leave":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", command)
	}
}
