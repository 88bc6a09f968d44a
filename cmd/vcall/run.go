package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pterm/pterm"

	"github.com/darkprince558/vcall/internal/audit"
	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/config"
	"github.com/darkprince558/vcall/internal/discovery"
	"github.com/darkprince558/vcall/internal/logging"
	"github.com/darkprince558/vcall/internal/rtc"
	"github.com/darkprince558/vcall/internal/signaling"
	"github.com/darkprince558/vcall/internal/ui"
)

// loadConfig reads the config and applies the command line on top.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.video != "" {
		cfg.Media.VideoFile = opts.video
	}
	if opts.audio != "" {
		cfg.Media.AudioFile = opts.audio
	}
	if opts.record != "" {
		cfg.Media.RecordDir = opts.record
	}
	if opts.noHistory {
		cfg.NoHistory = true
	}
	return cfg, nil
}

func resolveID(opts *options, cfg *config.Config) (string, error) {
	if opts.randomID && opts.id != "" {
		return "", errors.New("--id and --random-id cannot be combined")
	}
	id := opts.id
	if id == "" && !opts.randomID {
		id = cfg.ID
	}
	if id == "" {
		id = petname.Generate(2, "-")
	}
	return id, signaling.ValidateID(id)
}

func logPath() (string, error) {
	path, err := config.GetConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "vcall.log"), nil
}

// openLogger writes to stderr in headless mode and to a file while the call
// screen owns the terminal.
func openLogger(opts *options) (*pterm.Logger, func(), error) {
	if opts.headless {
		return logging.Stderr(opts.debug), func() {}, nil
	}
	path, err := logPath()
	if err != nil {
		return nil, nil, err
	}
	log, closer, err := logging.File(path, opts.debug)
	if err != nil {
		return nil, nil, err
	}
	return log, func() { closer.Close() }, nil
}

func dialBroker(ctx context.Context, cfg *config.Config, log *pterm.Logger) (*signaling.Client, error) {
	switch cfg.Broker.Kind {
	case config.BrokerAWSIoT:
		return signaling.DialIoT(ctx, signaling.IoTOptions{
			Endpoint:       cfg.Broker.IoTEndpoint,
			Region:         cfg.Broker.IoTRegion,
			IdentityPoolID: cfg.Broker.IdentityPoolID,
			Logger:         log,
		})
	default:
		return signaling.Dial(ctx, signaling.DialOptions{
			URL:      cfg.Broker.URL,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			Logger:   log,
		})
	}
}

func iceProvider(cfg *config.Config, log *pterm.Logger) *rtc.ICEProvider {
	return &rtc.ICEProvider{Static: cfg.ICE.WebRTC(), ConfigURL: cfg.ICE.ConfigURL, Logger: log}
}

// run registers and, when target is set, calls it. It returns when the user
// quits, or in headless call mode when the call ends.
func run(ctx context.Context, opts *options, target string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	id, err := resolveID(opts, cfg)
	if err != nil {
		return err
	}
	log, closeLog, err := openLogger(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	broker, err := dialBroker(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer broker.Disconnect()

	ice := iceProvider(cfg, log)
	ice.Warm(ctx)
	peers, err := rtc.NewFactory(ice, cfg.Media.RecordDir, log)
	if err != nil {
		return err
	}
	src := &capture.FileSource{VideoPath: cfg.Media.VideoFile, AudioPath: cfg.Media.AudioFile, Logger: log}

	if cfg.Discovery {
		stop, err := discovery.Advertise(cfg.Namespace, id)
		if err != nil {
			log.Warn("mDNS advertising failed", log.Args("error", err))
		} else {
			defer stop()
		}
	}

	var (
		sender programSender
		out    *printer
		inner  call.Observer
	)
	if opts.headless {
		out = newPrinter(os.Stdout, target != "")
		inner = out
	} else {
		inner = ui.NewNotifier(&sender)
	}
	obs := &callObserver{Observer: inner, localID: id, history: !cfg.NoHistory, autoAccept: opts.autoAccept, log: log}

	agent := call.NewAgent(call.Config{
		Namespace:   cfg.Namespace,
		Constraints: cfg.Media.Constraints(),
		Restart:     cfg.Restart.Policy(),
		Logger:      log,
	}, broker, src, peers, obs)
	obs.agent = agent
	defer agent.Close()

	if opts.headless {
		return runHeadless(ctx, agent, out, id, target, opts.autoAccept)
	}

	model := ui.NewModel(id, agent)
	model.QuitOnEnd = target != ""
	if !opts.noClipboard {
		model.Copied = clipboard.WriteAll(id) == nil
	}
	prog := tea.NewProgram(model, tea.WithContext(ctx))
	sender.p = prog

	if err := agent.Register(id); err != nil {
		return err
	}
	if target != "" {
		go func() {
			if err := agent.StartCall(target); err != nil {
				if capture.IsMediaError(err) {
					prog.Send(ui.ErrorMsg{Err: err})
					return
				}
				prog.Send(ui.StatusMsg(fmt.Sprintf("Call failed: %v", err)))
			}
		}()
	}

	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func runHeadless(ctx context.Context, agent *call.Agent, p *printer, id, target string, autoAccept bool) error {
	if err := agent.Register(id); err != nil {
		return err
	}
	fmt.Fprintf(p.w, "Your id: %s\n", id)

	if !autoAccept {
		go readCommands(ctx, os.Stdin, agent, p.w)
	}
	if target == "" {
		<-ctx.Done()
		return nil
	}

	if err := agent.StartCall(target); err != nil {
		if capture.IsMediaError(err) {
			return errors.New(capture.UserMessage(err))
		}
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case s := <-p.ended:
		if s.Err != nil {
			return fmt.Errorf("call failed (%s): %w", s.Reason, s.Err)
		}
		return nil
	}
}

// programSender lets the observer exist before the program does.
type programSender struct {
	p *tea.Program
}

func (s *programSender) Send(msg tea.Msg) { s.p.Send(msg) }

// callObserver adds call history and auto-accept to the screen or printer.
type callObserver struct {
	call.Observer
	agent      *call.Agent
	localID    string
	history    bool
	autoAccept bool
	log        *pterm.Logger
}

func (o *callObserver) IncomingCall(from string) {
	o.Observer.IncomingCall(from)
	if !o.autoAccept {
		return
	}
	// Observers run on the agent loop; AcceptCall waits for it.
	go func() {
		err := o.agent.AcceptCall()
		if err == nil {
			return
		}
		o.log.Warn("auto-accept failed", o.log.Args("peer", from, "error", err))
		if capture.IsMediaError(err) {
			o.Observer.Error(err)
		}
	}()
}

func (o *callObserver) CallEnded(s call.Summary) {
	if o.history {
		if err := audit.WriteEntry(audit.FromSummary(o.localID, s)); err != nil {
			o.log.Warn("failed to write call history", o.log.Args("error", err))
		}
	}
	o.Observer.CallEnded(s)
}
