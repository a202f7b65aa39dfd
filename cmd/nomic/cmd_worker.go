package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/nomic-io/nomic-go/worker"
)

func cmdWorker(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Run a signatory worker: hold the custody key and serve signature requests
from relayers over HTTP. The key never leaves this process.
`)
		fl.PrintDefaults()
	}
	var (
		keyPathFl = fl.String("key", env("NOMIC_PRIV_KEY", os.Getenv("HOME")+"/.nomic.priv.key"),
			"Path to the private key file. You can use NOMIC_PRIV_KEY environment variable to set it.")
		listenFl = fl.String("listen", env("NOMIC_WORKER_LISTEN", ":26659"),
			"Address to serve signature requests on.")
	)
	fl.Parse(args)

	priv, err := loadPrivateKey(*keyPathFl)
	if err != nil {
		return err
	}

	logger := log.NewTMLogger(log.NewSyncWriter(output))
	server := worker.NewServer(worker.NewSigner(priv), logger)
	return server.Run(*listenFl)
}
