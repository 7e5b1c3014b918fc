package daemon

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/config"
	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/locator"
	"github.com/charlie0129/locd/pkg/provider"
	"github.com/charlie0129/locd/pkg/types"
	"github.com/charlie0129/locd/pkg/version"
)

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (d *Daemon) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(d.conf)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func (d *Daemon) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, types.Status{
		Version:  version.Version,
		Locator:  d.locator.Status(),
		Producer: d.engine.Stats(),
	})
}

func (d *Daemon) setSwitch(c *gin.Context) {
	var enabled bool
	if err := c.BindJSON(&enabled); err != nil {
		badRequest(c, err)
		return
	}
	if !d.engine.Alive() {
		abortWithError(c, pkgerrors.Wrapf(provider.ErrProducerUnavailable, "producer is dead"))
		return
	}

	changed := d.engine.SetEnabled(enabled)
	logrus.WithFields(logrus.Fields{
		"enabled": enabled,
		"changed": changed,
	}).Info("set location switch")

	c.IndentedJSON(http.StatusOK, changed)
}

func (d *Daemon) setCountryCode(c *gin.Context) {
	var req types.CountryCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Type == 0 {
		req.Type = events.CountryCodeFromLocale
	}

	changed := d.engine.SetCountryCode(req.Country, req.Type)
	if req.Type == events.CountryCodeFromLocale {
		d.conf.SetCountryCode(req.Country)
		if err := d.conf.Save(); err != nil {
			logrus.Errorf("saveConfig failed: %v", err)
			abortWithError(c, err)
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"country": req.Country,
		"type":    req.Type,
		"changed": changed,
	}).Info("set country code")

	c.IndentedJSON(http.StatusOK, d.engine.CountryCode())
}

func (d *Daemon) restartProducer(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, d.engine.Restart())
}

func (d *Daemon) killProducer(c *gin.Context) {
	d.engine.Die()
	c.IndentedJSON(http.StatusOK, "ok")
}

// feedNmea takes one sentence per line. Lines that do not parse are
// skipped and counted.
func (d *Daemon) feedNmea(c *gin.Context) {
	sc := bufio.NewScanner(c.Request.Body)
	fed, failed := 0, 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		err := d.engine.Feed(line)
		switch {
		case err == nil:
			fed++
		case pkgerrors.Is(err, provider.ErrProducerUnavailable):
			abortWithError(c, err)
			return
		default:
			logrus.WithError(err).Debug("skipping sentence")
			failed++
		}
	}
	if err := sc.Err(); err != nil {
		badRequest(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"fed": fed, "failed": failed})
}

func (d *Daemon) injectScanResults(c *gin.Context) {
	var results []events.ScanResult
	if err := c.BindJSON(&results); err != nil {
		badRequest(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"receivers": d.engine.InjectScanResults(results)})
}

func (d *Daemon) attach(c *gin.Context) {
	var req types.AttachRequest
	if err := c.ShouldBindJSON(&req); err != nil && !pkgerrors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	id, err := d.locator.Attach(callerIdentity(c.Request.Context(), req))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, types.AttachResponse{ID: string(id)})
}

func (d *Daemon) detach(c *gin.Context) {
	if err := d.locator.Detach(dispatch.ContextID(c.Param("id"))); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// subscriptionArgs turns wire arguments into call arguments. Configuration
// arguments stay raw JSON and are decoded per kind; the trailing handler
// token must be a non-empty string.
func subscriptionArgs(raw []json.RawMessage) ([]any, error) {
	args := make([]any, len(raw))
	for i, a := range raw {
		args[i] = a
	}
	if len(raw) == 0 {
		return args, nil
	}

	var token string
	if err := json.Unmarshal(raw[len(raw)-1], &token); err != nil || token == "" {
		return nil, pkgerrors.Wrapf(locator.ErrInvalidArgument, "handler token must be a non-empty string")
	}
	args[len(args)-1] = token
	return args, nil
}

func bindSubscription(c *gin.Context) (types.SubscriptionRequest, []any, bool) {
	var req types.SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return req, nil, false
	}
	args, err := subscriptionArgs(req.Args)
	if err != nil {
		abortWithError(c, err)
		return req, nil, false
	}
	return req, args, true
}

func (d *Daemon) on(c *gin.Context) {
	req, args, ok := bindSubscription(c)
	if !ok {
		return
	}
	created, err := d.locator.On(dispatch.ContextID(c.Param("id")), req.Kind, args...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.IndentedJSON(code, types.OnResponse{Created: created})
}

func (d *Daemon) off(c *gin.Context) {
	req, args, ok := bindSubscription(c)
	if !ok {
		return
	}
	removed, err := d.locator.Off(dispatch.ContextID(c.Param("id")), req.Kind, args...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, types.OffResponse{Removed: removed})
}

func (d *Daemon) requestOnce(c *gin.Context) {
	var req types.RequestOnceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !pkgerrors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	loc, err := d.locator.RequestOnce(c.Request.Context(), dispatch.ContextID(c.Param("id")), req.Request, timeout)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, loc)
}

// streamEvents sends the context's remote handler events as SSE until the
// client goes away or the context is detached. A "ready" event comes first.
// The event stream is the client's lifeline: when the last stream of a
// context is dropped by the client, the context is detached.
func (d *Daemon) streamEvents(c *gin.Context) {
	id := dispatch.ContextID(c.Param("id"))
	stream, cancel, err := d.locator.Stream(id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(types.ReadyEvent, types.AttachResponse{ID: string(id)})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
	cancel()

	fields := logrus.Fields{"context": id}
	if c.Request.Context().Err() == nil {
		logrus.WithFields(fields).Debug("event stream closed")
		return
	}
	released, err := d.locator.Release(id)
	if err != nil && !pkgerrors.Is(err, locator.ErrUnknownContext) {
		logrus.WithFields(fields).WithError(err).Warn("failed to release context of a gone client")
		return
	}
	if released {
		logrus.WithFields(fields).Info("client went away, context detached")
	} else {
		logrus.WithFields(fields).Debug("event stream closed by client")
	}
}
