package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"busping/internal/app"
	"busping/internal/push"
)

func main() {
	var (
		cfgPath string
		genKeys bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config yaml (empty: defaults plus environment)")
	flag.BoolVar(&genKeys, "gen-vapid", false, "print a fresh VAPID key pair and exit")
	flag.Parse()

	if genKeys {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}
