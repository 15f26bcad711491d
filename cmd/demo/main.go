// Command demo runs a small liveview server: a counter view with a live
// clock component, session persistence, and optional template hot reload.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/livefir/liveview"
	"github.com/livefir/liveview/internal/store"
)

// Config is the demo server configuration.
type Config struct {
	Addr        string `yaml:"addr"`
	Database    string `yaml:"database"`
	TemplateDir string `yaml:"template_dir"`
	Dev         bool   `yaml:"dev"`
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{
		Addr:     ":8080",
		Database: ":memory:",
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, nil
}

const counterTemplate = `<html>
<head><title>Counter</title></head>
<body>
<h1>Hello {{.Name}}</h1>
<p>Count: {{.Count}}</p>
{{if .ShowHistory}}
<ul>
{{range .History}}<li>{{.}}</li>
{{end}}</ul>
{{end}}
{{component "clock" .ClockAssigns}}
{{with .flash}}<p class="flash">{{.info}}</p>{{end}}
<button lv-click="inc">+1</button>
<button lv-click="reset">reset</button>
</body>
</html>`

const clockTemplate = `<span class="clock">{{.Now}}</span>`

// tick is broadcast to every counter session once per second.
type tick struct {
	at time.Time
}

// CounterView is the demo's root view.
type CounterView struct{}

func (v *CounterView) Mount(ctx context.Context, s *liveview.Socket, params liveview.Params, info liveview.SessionInfo) error {
	name := params["name"]
	if name == "" {
		name = "world"
	}
	s.Assign("Name", name)
	s.Assign("Count", 0)
	s.Assign("History", []string{})
	s.Assign("ShowHistory", false)
	s.Assign("ClockAssigns", map[string]interface{}{
		"id":  "clock",
		"Now": time.Now().Format(time.TimeOnly),
	})
	return nil
}

func (v *CounterView) HandleParams(ctx context.Context, s *liveview.Socket, params liveview.Params, url string) error {
	if name := params["name"]; name != "" {
		s.Assign("Name", name)
	}
	return nil
}

func (v *CounterView) HandleEvent(ctx context.Context, s *liveview.Socket, event string, payload *liveview.EventPayload) error {
	switch event {
	case "inc":
		count, _ := s.Get("Count").(int)
		count++
		s.Assign("Count", count)
		history, _ := s.Get("History").([]string)
		s.Assign("History", append(history, fmt.Sprintf("count became %d", count)))
		s.Assign("ShowHistory", true)
	case "reset":
		s.Assign("Count", 0)
		s.Assign("History", []string{})
		s.Assign("ShowHistory", false)
		s.PutFlash("info", "counter reset")
		s.LiveRedirect("/")
	}
	return nil
}

func (v *CounterView) HandleInfo(ctx context.Context, s *liveview.Socket, msg interface{}) error {
	if t, ok := msg.(tick); ok {
		s.Assign("ClockAssigns", map[string]interface{}{
			"id":  "clock",
			"Now": t.at.Format(time.TimeOnly),
		})
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var log *zap.Logger
	if cfg.Dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer db.Close()

	router := liveview.NewRouter()
	factory := func() liveview.View { return &CounterView{} }
	if err := router.Handle("/", "counter", factory); err != nil {
		log.Fatal("route failed", zap.Error(err))
	}
	if err := router.Handle("/hello/:name", "counter", factory); err != nil {
		log.Fatal("route failed", zap.Error(err))
	}

	handler, err := liveview.NewHandler(router,
		liveview.WithLogger(log),
		liveview.WithStore(db),
	)
	if err != nil {
		log.Fatal("handler failed", zap.Error(err))
	}

	if err := handler.Component(liveview.ComponentDef{
		Name:     "clock",
		Template: clockTemplate,
	}); err != nil {
		log.Fatal("component failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TemplateDir != "" {
		watcher, err := liveview.NewWatcher(handler, log)
		if err != nil {
			log.Fatal("watcher failed", zap.Error(err))
		}
		defer watcher.Close()
		if err := watcher.Watch("counter", cfg.TemplateDir+"/counter.html"); err != nil {
			log.Fatal("watch failed", zap.Error(err))
		}
		go watcher.Run(ctx)
	} else {
		tmpl, err := liveview.Parse("counter", counterTemplate, liveview.WithMinify())
		if err != nil {
			log.Fatal("template failed", zap.Error(err))
		}
		handler.Template("counter", tmpl)
	}

	// Fan the clock out to every live counter session.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C:
				handler.Broadcast("counter", tick{at: at})
			}
		}
	}()

	server := &http.Server{Addr: cfg.Addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
	metrics := handler.Metrics()
	log.Info("shut down",
		zap.Int64("sessions_joined", metrics.SessionsJoined),
		zap.Int64("diffs_sent", metrics.DiffsSent),
		zap.Float64("fault_rate", handler.FaultRate()),
		zap.Any("frames", handler.FrameCounts()))
}
