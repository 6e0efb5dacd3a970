// Command beepecho is a minimal end-to-end sample: a listener running
// one profile that echoes every MSG back as an RPY, demonstrating the
// full C1-C11 stack wired together.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/cppla/beepd/beepctx"
	"github.com/cppla/beepd/channel"
	beepconn "github.com/cppla/beepd/conn"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/config"
	"github.com/cppla/beepd/internal/log"
	"github.com/cppla/beepd/listener"
	"github.com/cppla/beepd/profile"
)

const echoProfileURI = "http://beepd.example/profiles/echo"

func main() {
	confPath := flag.String("config", "", "Path to config file")
	addr := flag.String("addr", ":10288", "host:port to listen on")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	log.Configure(log.Options{
		Level:      config.Global.Log.Level,
		Path:       config.Global.Log.Path,
		MaxSizeMB:  config.Global.Log.MaxSizeMB,
		MaxBackups: config.Global.Log.MaxBackups,
		MaxAgeDays: config.Global.Log.MaxAgeDays,
		Compress:   config.Global.Log.Compress,
	})
	defer log.Sync()

	ctx := beepctx.New(nil)
	ctx.Registry().Register(&profile.Entry{
		URI:     echoProfileURI,
		OnStart: func(_ any, _ any, _ uint32, content string) profile.StartResult {
			return profile.StartResult{Accept: true}
		},
		OnFrame: echoFrame,
	})

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		runListener(ctx, *addr)
	}()

	log.Logger.Info("beepecho starting", zap.String("addr", *addr))
	wg.Wait()
}

func runListener(ctx *beepctx.Context, addr string) {
	l, err := listener.New(listener.Options{
		Addr:            addr,
		AcceptRatePerIP: ctx.Config().Core.AcceptRatePerIP,
		OnReady: func(a net.Addr) {
			log.Logger.Info("beepecho listening", zap.String("addr", a.String()))
		},
	})
	if err != nil {
		log.Logger.Error("beepecho: listen failed", zap.Error(err))
		os.Exit(1)
	}
	l.AddHandler(listener.Handler{
		Name: "beep",
		Claim: func(peek []byte) bool { return true },
		ConnOptions: func() beepconn.Options {
			return ctx.ConnectionOptions()
		},
	})
	select {}
}

func echoFrame(_ any, c any, channelNumber uint32, msg profile.Message) {
	conn, ok := c.(*beepconn.Connection)
	if !ok {
		return
	}
	ch, ok := conn.Channel(channelNumber)
	if !ok {
		return
	}
	if _, err := ch.Send(frame.RPY, msg.Payload, channel.SendOptions{Msgno: msg.Msgno}); err != nil {
		log.Logger.Warn("beepecho: echo reply failed", zap.Error(err))
	}
}
