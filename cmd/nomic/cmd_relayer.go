package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/nomic-io/nomic-go/client"
	"github.com/nomic-io/nomic-go/relay"
	"github.com/nomic-io/nomic-go/signing"
	"github.com/nomic-io/nomic-go/store"
	"github.com/nomic-io/nomic-go/worker"
)

func cmdRelayer(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Run the relayer: scan Bitcoin for deposits, relay proofs to the sidechain,
and drive checkpoint transitions through the signatory workers.
`)
		fl.PrintDefaults()
	}
	var (
		chainFl = fl.String("chain", env("NOMIC_CHAIN", "tcp://localhost:26657"),
			"Tendermint RPC address of the sidechain node.")
		btcHostFl = fl.String("btc", env("NOMIC_BTC", "localhost:18332"),
			"Bitcoin node JSON-RPC address.")
		btcUserFl = fl.String("btc-user", env("NOMIC_BTC_USER", ""),
			"Bitcoin node RPC username.")
		btcPassFl = fl.String("btc-pass", env("NOMIC_BTC_PASS", ""),
			"Bitcoin node RPC password.")
		dbFl = fl.String("db", env("NOMIC_DB", os.Getenv("HOME")+"/.nomic/relayer.db"),
			"Path to the relayer's state database.")
		networkFl = fl.String("network", env("NOMIC_NETWORK", "testnet"),
			"Bitcoin network: mainnet, testnet or regtest.")
		workersFl = fl.String("workers", env("NOMIC_WORKERS", "http://localhost:26659"),
			"Comma separated base URLs of the signatory workers.")
		startFl = fl.Int64("start-height", 0,
			"Bitcoin height to start scanning from on a fresh database.")
		feeRateFl = fl.Int64("fee-rate", 20,
			"Starting fee rate in satoshis per virtual byte.")
	)
	fl.Parse(args)

	params, err := networkParams(*networkFl)
	if err != nil {
		return err
	}

	logger := log.NewTMLogger(log.NewSyncWriter(output))

	db, err := store.OpenLevelStore(*dbFl)
	if err != nil {
		return fmt.Errorf("cannot open state database: %s", err)
	}
	defer db.Close()

	btc, err := relay.DialNode(*btcHostFl, *btcUserFl, *btcPassFl)
	if err != nil {
		return fmt.Errorf("cannot connect to bitcoin node: %s", err)
	}
	chain := client.Dial(*chainFl)

	var requesters []signing.ShareRequester
	for _, url := range strings.Split(*workersFl, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		requesters = append(requesters, worker.NewClient(url))
	}
	if len(requesters) == 0 {
		return fmt.Errorf("at least one worker URL is required")
	}

	cfg := relay.DefaultConfig()
	cfg.Network = params
	cfg.StartHeight = *startFl
	cfg.FeeRate = *feeRateFl

	r, err := relay.New(cfg, db, btc, chain, requesters, logger)
	if err != nil {
		return fmt.Errorf("cannot assemble relay: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
		// A second signal kills without waiting for a clean stop.
		<-sig
		os.Exit(1)
	}()

	logger.Info("relayer starting",
		"chain", *chainFl,
		"bitcoin", *btcHostFl,
		"network", params.Name,
		"workers", len(requesters),
		"time", time.Now().UTC().Format(time.RFC3339),
	)
	return r.Run(ctx)
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}
