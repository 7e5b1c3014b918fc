package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/charlie0129/locd/pkg/types"
)

func TestAttachUsesPeerCredentials(t *testing.T) {
	d, h := newDaemon(t)

	sock := filepath.Join(t.TempDir(), "locd.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := &http.Server{Handler: h, ConnContext: connContext}
	go srv.Serve(l)
	defer srv.Close()

	hc := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", sock)
		},
	}}

	// claims to be root
	body, _ := json.Marshal(types.AttachRequest{Name: "liar", UID: 0, PID: 1})
	resp, err := hc.Post("http://locd/contexts", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("attach: %d", resp.StatusCode)
	}

	st := d.locator.Status()
	if len(st.Contexts) != 1 {
		t.Fatalf("contexts = %d", len(st.Contexts))
	}
	got := st.Contexts[0].Identity
	if got.UID != os.Getuid() || got.PID != os.Getpid() || got.Name != "liar" {
		t.Fatalf("identity = %+v, want uid %d pid %d", got, os.Getuid(), os.Getpid())
	}
}
