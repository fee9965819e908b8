// Command anvil-engine is one document engine. The anvil server spawns a copy
// per pool slot, connects to it over --listen and kills its process group
// when a conversion hangs.
//
// Usage: anvil-engine --listen unix:/tmp/engine.sock [--office /usr/bin/soffice]
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/seantiz/anvil/internal/backend/office"
	"github.com/seantiz/anvil/internal/worker"
)

func main() {
	listen := flag.String("listen", "", "address to serve on (unix:<path> or vsock:<port>)")
	officeBin := flag.String("office", "", "soffice binary (default: search PATH)")
	profile := flag.String("profile", "", "LibreOffice user profile directory")
	workDir := flag.String("work-dir", "", "scratch directory for documents")
	keepAlive := flag.Bool("keep-alive", false, "keep serving after the server disconnects")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("anvil-engine ")

	if *listen == "" {
		log.Fatalf("--listen is required")
	}

	l, err := office.Listen(*listen)
	if err != nil {
		log.Fatalf("listen on %s: %v", *listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	// The server's dial lands in the listen backlog while office boots.
	engine := worker.NewSoffice(*officeBin, *profile, *workDir)
	if err := engine.Start(ctx); err != nil {
		l.Close()
		log.Fatalf("start office: %v", err)
	}

	log.Printf("listening on %s", *listen)

	agent := worker.New(l, engine)
	agent.ExitOnDisconnect = !*keepAlive
	serveErr := agent.Serve()
	if err := engine.Stop(); err != nil {
		log.Printf("stop office: %v", err)
	}
	if serveErr != nil {
		log.Fatalf("serve: %v", serveErr)
	}
}
