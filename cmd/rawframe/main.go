// Command rawframe sends raw HTTP/1.x request files over one connection and
// prints each correlated response.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"

	"go.uber.org/zap"

	rawframe "github.com/WhileEndless/go-rawframe"
	"github.com/WhileEndless/go-rawframe/pkg/config"
	"github.com/WhileEndless/go-rawframe/pkg/content"
)

func main() {
	configPath := flag.String("config", "", "path to settings JSON")
	verbose := flag.Bool("v", false, "development logging at debug level")
	crlf := flag.Bool("crlf", false, "convert LF line endings in request heads to CRLF")
	showBody := flag.Bool("body", false, "print decoded response bodies")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s -config settings.json [-v] [-crlf] [-body] request.http...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *configPath, flag.Args(), *crlf, *showBody); err != nil {
		logger.Error("rawframe failed", zap.Error(err), zap.String("type", rawframe.GetErrorType(err)))
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger, configPath string, files []string, crlf, showBody bool) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	requests := make([][]byte, 0, len(files))
	for _, name := range files {
		raw, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if crlf {
			raw = toCRLF(raw)
		}
		requests = append(requests, raw)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		wg    sync.WaitGroup
		outMu sync.Mutex
	)
	s, err := rawframe.Dial(ctx, settings, rawframe.Options{
		Logger: logger,
		Handler: rawframe.HandlerFuncs{
			Response: func(ex *rawframe.Exchange) {
				outMu.Lock()
				printExchange(ex, showBody)
				outMu.Unlock()
				wg.Done()
			},
			TunnelData: func(p []byte) {
				outMu.Lock()
				fmt.Printf("<< %d tunnel bytes\n", len(p))
				outMu.Unlock()
			},
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()
	logger.Info("connected",
		zap.String("host", settings.Host),
		zap.Int("port", settings.Port),
		zap.Stringer("timing", s.ConnectTiming()))

	sent := 0
	for i, raw := range requests {
		md := rawframe.Metadata{"file": files[i]}
		wg.Add(1)
		if _, err := s.Send(ctx, raw, md, nil); err != nil {
			wg.Done()
			logger.Warn("request not sent", zap.String("file", files[i]), zap.Error(err))
			continue
		}
		sent++
	}

	answered := make(chan struct{})
	go func() {
		wg.Wait()
		close(answered)
	}()
	select {
	case <-answered:
	case <-s.Done():
		if err := s.Err(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Debug("done", zap.Int("sent", sent))
	return nil
}

func printExchange(ex *rawframe.Exchange, showBody bool) {
	resp := ex.Response
	fmt.Printf("%s %s -> ", ex.Request.Method(), ex.Request.Target())
	if !resp.Success() {
		fmt.Printf("decode failed: %v\n", resp.DecodeResult())
		return
	}
	fmt.Printf("%s\n", resp.StatusLine())

	keys := make([]string, 0, len(ex.Metadata))
	for k := range ex.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, ex.Metadata[k])
	}
	fmt.Printf("  timing: %s\n", ex.Timing)

	body, err := content.Body(&resp.Message)
	if err != nil {
		fmt.Printf("  body: %d framed bytes, decoding failed: %v\n", len(resp.Body()), err)
		return
	}
	fmt.Printf("  body: %d framed bytes, %d decoded\n", len(resp.Body()), len(body))
	if showBody && len(body) > 0 {
		fmt.Printf("%s\n", body)
	}
}

// toCRLF rewrites LF line endings in the head of raw and makes sure the head
// ends with an empty line. The body after that empty line is left as is.
func toCRLF(raw []byte) []byte {
	end, sep := len(raw), 0
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		end, sep = i, 2
	}
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 && i < end {
		end, sep = i, 4
	}
	head := bytes.TrimRight(raw[:end], "\r\n")
	head = bytes.ReplaceAll(head, []byte("\r\n"), []byte("\n"))

	out := bytes.ReplaceAll(head, []byte("\n"), []byte("\r\n"))
	out = append(out, "\r\n\r\n"...)
	if sep > 0 {
		out = append(out, raw[end+sep:]...)
	}
	return out
}
