package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/btcsuite/btcd/btcec"
)

func cmdKeygen(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Generate a new secp256k1 custody key.

When successful a new file with binary content containing the private key
is created. This command fails if the private key file already exists.
`)
		fl.PrintDefaults()
	}
	var (
		keyPathFl = fl.String("key", env("NOMIC_PRIV_KEY", os.Getenv("HOME")+"/.nomic.priv.key"),
			"Path to the private key file. You can use NOMIC_PRIV_KEY environment variable to set it.")
	)
	fl.Parse(args)

	if _, err := os.Stat(*keyPathFl); !os.IsNotExist(err) {
		// Do not allow to overwrite already existing private key. User
		// must manually delete it first to ensure we do not delete
		// such crucial data by an accident (bad command usage).
		return fmt.Errorf("private key file %q already exists, delete this file and try again", *keyPathFl)
	}

	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return fmt.Errorf("cannot generate secp256k1 key: %s", err)
	}

	fd, err := os.OpenFile(*keyPathFl, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("cannot create private key file: %s", err)
	}
	defer fd.Close()

	if _, err := fd.Write(priv.Serialize()); err != nil {
		return fmt.Errorf("cannot write private key: %s", err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("cannot close private key file: %s", err)
	}
	return nil
}

func cmdPubkey(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Print the hex-encoded compressed public key of your custody key. This is
the identity other signatories and the sidechain know you by.
`)
		fl.PrintDefaults()
	}
	var (
		keyPathFl = fl.String("key", env("NOMIC_PRIV_KEY", os.Getenv("HOME")+"/.nomic.priv.key"),
			"Path to the private key file. You can use NOMIC_PRIV_KEY environment variable to set it.")
	)
	fl.Parse(args)

	priv, err := loadPrivateKey(*keyPathFl)
	if err != nil {
		return err
	}
	fmt.Fprintln(output, hex.EncodeToString(priv.PubKey().SerializeCompressed()))
	return nil
}

func loadPrivateKey(path string) (*btcec.PrivateKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read private key file: %s", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key file %q must contain exactly 32 bytes, has %d", path, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), raw)
	return priv, nil
}
