package cmd

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/offgridmaps/tilecore/api"
	"github.com/offgridmaps/tilecore/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the message protocol over stdio (line-delimited JSON)",
	Long: `serve reads one JSON request per line from stdin and writes one JSON
response per line to stdout. An unsolicited {"type":"ready"} line is emitted
once both execution contexts are up; corrupted-database notifications are
emitted whenever a scan quarantines a file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, log, err := setup()
		if err != nil {
			return err
		}
		defer eng.Close()

		var outMu sync.Mutex
		out := json.NewEncoder(os.Stdout)
		emit := func(v any) {
			outMu.Lock()
			defer outMu.Unlock()
			if err := out.Encode(v); err != nil {
				log.Warn("write response", zap.Error(err))
			}
		}

		// Notifications are unsolicited and interleave with responses.
		go func() {
			for n := range eng.Notifications() {
				emit(n)
			}
		}()

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var req api.Request
			if err := json.Unmarshal(line, &req); err != nil {
				emit(api.Response{Type: "error", Error: "malformed request: " + err.Error()})
				continue
			}
			// Each request runs on its own goroutine so a slow search does
			// not block tile responses; ordering is by correlation id, not
			// arrival.
			go func(req api.Request) {
				emit(engine.Dispatch(eng, req))
			}(req)
		}
		return scanner.Err()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
