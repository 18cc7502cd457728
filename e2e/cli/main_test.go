//go:build e2e

package cli

import (
	"cmp"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rogpeppe/go-internal/testscript"
)

func testServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{
				{
					"id":    "alice",
					"roles": []string{"admin", "editor"},
				},
				{
					"id":    "bob",
					"roles": []string{"viewer"},
				},
			},
		}); err != nil {
			fmt.Fprintln(w, err.Error())
		}
	})
	mux.HandleFunc("GET /banner", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer e2e" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintln(w, "Welcome")
	})

	return httptest.NewServer(mux)
}

func TestScript(t *testing.T) {
	bundles := cmp.Or(os.Getenv("BUNDLES"), "bundles")
	srv := testServer()
	t.Cleanup(srv.Close)
	endpoint := srv.Listener.Addr().String()

	testscript.Run(t, testscript.Params{
		Dir: ".",
		Setup: func(e *testscript.Env) error {
			e.Vars = append(e.Vars,
				"HTTP_ENDPOINT="+endpoint,
				"BUNDLES="+bundles,
			)
			for _, kv := range os.Environ() {
				if strings.HasPrefix(kv, "E2E_") {
					e.Vars = append(e.Vars, kv)
				}
			}
			return nil
		},
		Condition: func(cond string) (bool, error) {
			args := strings.Split(cond, ":")
			name := args[0]
			switch name {
			case "env":
				if len(args) < 2 {
					return false, fmt.Errorf("syntax: [env:SOME_VAR]")
				}
				return os.Getenv(args[1]) != "", nil
			default:
				return false, fmt.Errorf("unknown condition %s", name)
			}
		},
		Cmds: map[string]func(*testscript.TestScript, bool, []string){
			"waitfor": waitforCmd,
		},
		// NB: To quickly update expectations in txtar files, try re-running the tests with
		// E2E_UPDATE=y, for example:
		//   E2E_UPDATE=y go test -tags e2e ./e2e/cli -run TestScript/run_config -v -count=1
		UpdateScripts: os.Getenv("E2E_UPDATE") != "",
	})
}

// waitforCmd implements a builtin command that waits until a file exists and
// its content matches a regular expression, polling with a doubling delay
// starting at 50ms for at most 10 seconds.
func waitforCmd(ts *testscript.TestScript, neg bool, args []string) {
	if len(args) != 2 {
		ts.Fatalf("usage: waitfor file regexp")
	}
	if neg {
		ts.Fatalf("unsupported: ! waitfor")
	}

	re, err := regexp.Compile(args[1])
	ts.Check(err)

	const timeout = 10 * time.Second
	const maxDelay = time.Second

	path := ts.MkAbs(args[0])
	deadline := time.Now().Add(timeout)
	delay := 50 * time.Millisecond
	var last string
	for time.Now().Before(deadline) {
		if bs, err := os.ReadFile(path); err == nil {
			last = string(bs)
			if re.MatchString(last) {
				return
			}
		}
		time.Sleep(delay)
		delay = min(2*delay, maxDelay)
	}

	ts.Fatalf("%s does not match %q after %v, last content: %q", args[0], args[1], timeout, last)
}
