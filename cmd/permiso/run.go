package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rupak1811/permiso/internal/app"
	"github.com/rupak1811/permiso/internal/credential"
	"github.com/rupak1811/permiso/internal/logging"
	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/push"
	"github.com/rupak1811/permiso/internal/session"
	"github.com/rupak1811/permiso/internal/source/permitapi"
	"github.com/rupak1811/permiso/internal/store"
	appsync "github.com/rupak1811/permiso/internal/sync"
)

// clientEnv holds the long-lived collaborators shared by every command.
type clientEnv struct {
	cfg     *model.AppConfig
	db      *store.SQLiteStore
	api     *permitapi.Client
	session *session.Manager
}

// openRuntime loads config, opens the local database and builds the
// session manager over the configured backend. logOut receives logs.
func openRuntime(logOut io.Writer) (*clientEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Log.Format, cfg.Log.Level, logOut)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	var sessStore session.Store = db
	if cfg.Session.Backend == "keyring" {
		ring, err := credential.Open()
		if err != nil {
			db.Close()
			return nil, err
		}
		sessStore = credential.NewKeyring(ring)
	}

	rt := &clientEnv{cfg: cfg, db: db}
	rt.api = permitapi.NewClient(cfg.Server.BaseURL, func() string {
		return rt.session.Credential()
	})
	rt.session = session.NewManager(sessStore, rt.api, session.Options{
		Window:   cfg.Session.Window,
		Debounce: cfg.Session.ActivityDebounce,
	})
	rt.session.Subscribe(session.AuditObserver(db, nil))
	return rt, nil
}

func (rt *clientEnv) Close() error {
	return rt.db.Close()
}

func runClient() error {
	logFile, err := openLogFile()
	if err != nil {
		return err
	}
	defer logFile.Close()

	rt, err := openRuntime(logFile)
	if err != nil {
		return err
	}
	defer rt.Close()

	log := logging.L("main")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := rt.session

	var channel appsync.Channel
	if rt.cfg.Server.PushURL != "" {
		pc := push.New(push.Config{
			URL:   rt.cfg.Server.PushURL,
			Token: mgr.Credential,
		})
		// Login, logout and expiry all change the credential the
		// channel must present.
		offPush := mgr.Subscribe(func(session.Event) { pc.CredentialChanged() })
		defer offPush()
		go pc.Run(ctx)
		channel = pc
	}

	coord := appsync.New(channel, appsync.Options{
		OnAuthError: func(key string, err error) {
			log.Warn("view fetch rejected", logging.KeyView, key, logging.KeyError, err)
			mgr.Reject(err)
		},
	})
	defer coord.Close()

	bridge := app.NewBridge(64)
	unsubscribe := mgr.Subscribe(bridge.SessionObserver())
	defer unsubscribe()

	go mgr.Watch(ctx, rt.cfg.Session.CheckInterval)

	m := app.New(app.Deps{
		Session:     mgr,
		Coordinator: coord,
		Fetcher:     rt.api,
		Bridge:      bridge,
		Views:       rt.cfg.Views,
		Window:      rt.cfg.Session.Window,
	})

	p := tea.NewProgram(m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithReportFocus(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running UI: %w", err)
	}
	return nil
}

func showHistory(limit int) error {
	rt, err := openRuntime(os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	events, err := rt.db.RecentSessionEvents(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No session history.")
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-15s %s", ev.CreatedAt.Local().Format("2006-01-02 15:04:05"), ev.State, ev.Reason)
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		fmt.Println(line)
	}
	return nil
}

func logout() error {
	rt, err := openRuntime(os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.session.Logout(session.ReasonUserInitiated)
	fmt.Println("Session cleared.")
	return nil
}

// openLogFile opens the log file next to the config; the terminal is
// owned by the UI while it runs.
func openLogFile() (*os.File, error) {
	path := filepath.Join(filepath.Dir(model.DefaultConfigPath()), "permiso.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
