package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nomic-io/nomic-go/client"
	"github.com/nomic-io/nomic-go/signatory"
)

func cmdDepositAddress(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Print the Bitcoin address deposits should be sent to: the custody address
of the current signatory set.
`)
		fl.PrintDefaults()
	}
	var (
		chainFl = fl.String("chain", env("NOMIC_CHAIN", "tcp://localhost:26657"),
			"Tendermint RPC address of the sidechain node.")
		networkFl = fl.String("network", env("NOMIC_NETWORK", "testnet"),
			"Bitcoin network: mainnet, testnet or regtest.")
	)
	fl.Parse(args)

	params, err := networkParams(*networkFl)
	if err != nil {
		return err
	}

	current, _, err := client.Dial(*chainFl).SignatorySets()
	if err != nil {
		return fmt.Errorf("cannot fetch signatory set: %s", err)
	}
	addr, err := current.Address(params)
	if err != nil {
		return fmt.Errorf("cannot derive custody address: %s", err)
	}
	fmt.Fprintln(output, addr.EncodeAddress())
	return nil
}

func cmdSignatorySets(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Print the current and, if present, the previous signatory set: generation,
members, voting powers and the spend threshold.
`)
		fl.PrintDefaults()
	}
	var (
		chainFl = fl.String("chain", env("NOMIC_CHAIN", "tcp://localhost:26657"),
			"Tendermint RPC address of the sidechain node.")
	)
	fl.Parse(args)

	current, previous, err := client.Dial(*chainFl).SignatorySets()
	if err != nil {
		return fmt.Errorf("cannot fetch signatory sets: %s", err)
	}
	printSet(output, "current", current)
	if previous != nil {
		printSet(output, "previous", previous)
	}
	return nil
}

func printSet(output io.Writer, label string, set *signatory.Set) {
	fmt.Fprintf(output, "%s set, generation %d, threshold %d of %d\n",
		label, set.Generation, set.Threshold(), set.TotalPower())
	for _, sig := range set.Signatories {
		fmt.Fprintf(output, "\t%s\t%d\n", hex.EncodeToString(sig.PubKey), sig.VotingPower)
	}
}

func cmdWithdraw(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Queue a withdrawal of pegged funds to a Bitcoin output script. The next
checkpoint pays it out.
`)
		fl.PrintDefaults()
	}
	var (
		chainFl = fl.String("chain", env("NOMIC_CHAIN", "tcp://localhost:26657"),
			"Tendermint RPC address of the sidechain node.")
		amountFl = fl.Int64("amount", 0,
			"Amount to withdraw, in satoshis.")
		scriptFl = fl.String("script", "",
			"Hex encoded Bitcoin output script of the destination.")
	)
	fl.Parse(args)

	script, err := hex.DecodeString(*scriptFl)
	if err != nil || len(script) == 0 {
		return fmt.Errorf("a hex encoded -script is required")
	}

	err = client.Dial(*chainFl).SubmitWithdrawal(client.WithdrawalRequest{
		Amount: *amountFl,
		Script: script,
	})
	if err != nil {
		return fmt.Errorf("cannot queue withdrawal: %s", err)
	}
	return nil
}

func cmdBalance(input io.Reader, output io.Writer, args []string) error {
	fl := flag.NewFlagSet("", flag.ExitOnError)
	fl.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
Print the pegged balance of a sidechain address, in satoshis. Without an
explicit -address the address of your own key is queried.
`)
		fl.PrintDefaults()
	}
	var (
		chainFl = fl.String("chain", env("NOMIC_CHAIN", "tcp://localhost:26657"),
			"Tendermint RPC address of the sidechain node.")
		addressFl = fl.String("address", "",
			"Hex encoded sidechain address to query.")
		keyPathFl = fl.String("key", env("NOMIC_PRIV_KEY", os.Getenv("HOME")+"/.nomic.priv.key"),
			"Path to the private key file, used when no -address is given.")
	)
	fl.Parse(args)

	var address []byte
	if *addressFl != "" {
		var err error
		address, err = hex.DecodeString(*addressFl)
		if err != nil {
			return fmt.Errorf("-address is not hex: %s", err)
		}
	} else {
		priv, err := loadPrivateKey(*keyPathFl)
		if err != nil {
			return err
		}
		address = client.Address(priv.PubKey().SerializeCompressed())
	}

	balance, err := client.Dial(*chainFl).Balance(address)
	if err != nil {
		return fmt.Errorf("cannot fetch balance: %s", err)
	}
	fmt.Fprintln(output, balance)
	return nil
}
