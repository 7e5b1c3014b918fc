package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/charlie0129/locd/pkg/config"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/locator"
	"github.com/charlie0129/locd/pkg/provider/gnss"
)

// Daemon serves a Locator backed by the GNSS replay engine.
type Daemon struct {
	conf    config.Config
	engine  *gnss.Engine
	locator *locator.Locator

	replayMu       sync.Mutex
	replayCancel   context.CancelFunc
	replayDone     chan struct{}
	replayPath     string
	replayInterval time.Duration
}

func New(conf config.Config) (*Daemon, error) {
	engine := gnss.New(gnss.Options{
		CountryCode: conf.CountryCode(),
		MaxFences:   conf.MaxFences(),
	})
	loc, err := locator.New(locator.Options{
		Producer:          engine,
		SingleShotTimeout: conf.SingleShotTimeout(),
		DrainTimeout:      conf.DrainTimeout(),
		AttachGrace:       conf.AttachGrace(),
		OutboxSize:        conf.OutboxSize(),
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create locator")
	}
	return &Daemon{
		conf:    conf,
		engine:  engine,
		locator: loc,
	}, nil
}

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/version", getVersion)
	router.GET("/config", d.getConfig)
	router.GET("/status", d.getStatus)
	router.PUT("/switch", d.setSwitch)
	router.PUT("/country-code", d.setCountryCode)

	producer := router.Group("/producer")
	producer.POST("/restart", d.restartProducer)
	producer.POST("/die", d.killProducer)
	producer.POST("/nmea", d.feedNmea)
	producer.POST("/scan-results", d.injectScanResults)

	router.POST("/contexts", d.attach)
	contexts := router.Group("/contexts/:id")
	contexts.DELETE("", d.detach)
	contexts.GET("/events", d.streamEvents)
	contexts.POST("/on", d.on)
	contexts.POST("/off", d.off)
	contexts.POST("/request-once", d.requestOnce)

	return router
}

// Handler returns the daemon's HTTP API.
func (d *Daemon) Handler() http.Handler {
	return d.setupRoutes()
}

// applyConfig pushes reloadable settings to the engine and restarts the
// replay if its source changed.
func (d *Daemon) applyConfig() {
	d.engine.SetCountryCode(d.conf.CountryCode(), events.CountryCodeFromLocale)
	d.startReplay(d.conf.NmeaReplayPath(), d.conf.ReplayInterval())
}

func (d *Daemon) startReplay(path string, interval time.Duration) {
	d.replayMu.Lock()
	defer d.replayMu.Unlock()

	if d.replayDone != nil && path == d.replayPath && interval == d.replayInterval {
		return
	}
	d.stopReplayLocked()
	if path == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.replayCancel, d.replayDone = cancel, done
	d.replayPath, d.replayInterval = path, interval

	go func() {
		defer close(done)
		logrus.WithFields(logrus.Fields{
			"path":     path,
			"interval": interval,
		}).Info("nmea replay started")
		if err := d.engine.Run(ctx, path, interval); err != nil {
			logrus.WithError(err).WithField("path", path).Error("nmea replay stopped")
		}
	}()
}

func (d *Daemon) stopReplayLocked() {
	if d.replayCancel == nil {
		return
	}
	d.replayCancel()
	<-d.replayDone
	d.replayCancel, d.replayDone = nil, nil
	d.replayPath, d.replayInterval = "", 0
}

// Close stops the replay and detaches every client context.
func (d *Daemon) Close() error {
	d.replayMu.Lock()
	d.stopReplayLocked()
	d.replayMu.Unlock()

	return d.locator.Close()
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to parse config during startup")
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	d, err := New(conf)
	if err != nil {
		return err
	}
	d.applyConfig()

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			d.applyConfig()
			logrus.WithFields(conf.LogrusFields()).Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler:     d.setupRoutes(),
		ConnContext: connContext,
	}

	// A socket left behind by an unclean exit would make Listen fail.
	if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "failed to remove stale socket %s", unixSocketPath)
	}
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to change permissions of %s", unixSocketPath)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	// Detach first so open event streams end and Shutdown does not wait on them.
	logrus.Info("detaching clients")
	closeErr := d.Close()
	if closeErr != nil {
		logrus.Errorf("failed to detach clients cleanly: %v", closeErr)
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = multierr.Append(closeErr, srv.Shutdown(ctx))

	logrus.Info("exiting")
	return err
}
