package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/golioth-contrib/coap-device-client/coapclient"
	"github.com/golioth-contrib/coap-device-client/lightdb"
	"github.com/golioth-contrib/coap-device-client/logs"
	"github.com/golioth-contrib/coap-device-client/ota"
	"github.com/golioth-contrib/coap-device-client/rpc"
	"github.com/golioth-contrib/coap-device-client/settings"
)

var (
	flagHost              string
	flagPSKIdentity       string
	flagPSKKey            string
	flagInsecure          bool
	flagKeepaliveInterval time.Duration
	flagResponseTimeout   time.Duration
	flagVerbose           bool
)

func init() {
	flag.StringVar(&flagHost, "host", "", "Golioth CoAP host, host:port")
	flag.StringVar(&flagPSKIdentity, "psk-identity", "", "DTLS PSK identity")
	flag.StringVar(&flagPSKKey, "psk-key", "", "DTLS PSK key")
	flag.BoolVar(&flagInsecure, "insecure", false, "Skip DTLS certificate verification")
	flag.DurationVar(&flagKeepaliveInterval, "keepalive", 20*time.Second, "Keepalive probe interval")
	flag.DurationVar(&flagResponseTimeout, "response-timeout", 10*time.Second, "Per-request response timeout")
	flag.BoolVar(&flagVerbose, "v", false, "Verbose logging")
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of device-agent:\n")
		flag.PrintDefaults()
		fmt.Println("Example: ./device-agent -host coap.golioth.io:5684 -psk-identity device@project -psk-key secret")
	}

	if flagHost == "" || flagPSKIdentity == "" || flagPSKKey == "" {
		flag.Usage()
		os.Exit(1)
	}

	if flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := coapclient.NewLogrusLogger(logrus.Fields{"component": "device-agent"})

	client, err := coapclient.New(coapclient.Config{
		Host: flagHost,
		Credentials: coapclient.PSKCredentials{
			Identity: flagPSKIdentity,
			Key:      []byte(flagPSKKey),
		},
		InsecureSkipVerify: flagInsecure,
		KeepaliveInterval:  flagKeepaliveInterval,
		ResponseTimeout:    flagResponseTimeout,
		Logger:             logger,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to construct client")
	}
	defer client.Destroy()

	client.RegisterEventCallback(func(event coapclient.EventType) {
		logrus.WithField("event", event.String()).Info("connection state changed")
	})

	if status := client.Start(); status != coapclient.StatusOk {
		logrus.WithField("status", status.String()).Fatal("failed to start client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := lightdb.New(client)
	logShipper := logs.New(client)
	updater := ota.New(client)
	calls := rpc.New(client)
	opts := settings.New(client)

	logShipper.Info(ctx, "device-agent", "startup")

	if status := db.Observe(ctx, "desired/greeting", func(resp coapclient.ServerResponse, body []byte) {
		if !resp.Ok() {
			return
		}
		logrus.WithField("body", string(body)).Info("desired/greeting changed")
	}); status != coapclient.StatusOk {
		logrus.WithField("status", status.String()).Error("failed to observe desired/greeting")
	}

	if status := updater.ObserveManifest(ctx, func(m ota.Manifest) {
		logrus.WithField("sequenceNumber", m.SequenceNumber).WithField("components", len(m.Components)).Info("firmware manifest updated")
	}); status != coapclient.StatusOk {
		logrus.WithField("status", status.String()).Error("failed to observe firmware manifest")
	}

	calls.Register(ctx, "reboot", func(ctx context.Context, params json.RawMessage) (rpc.Status, json.RawMessage) {
		logrus.Info("reboot requested via RPC")
		return rpc.StatusOK, nil
	})

	opts.Register(ctx, "LOOP_DELAY_S", func(value json.RawMessage) settings.Status {
		logrus.WithField("value", string(value)).Info("LOOP_DELAY_S updated")
		return settings.StatusSuccess
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logrus.Info("shutting down")
	if status := client.Stop(); status != coapclient.StatusOk {
		logrus.WithField("status", status.String()).Warn("stop did not complete cleanly")
	}
}
