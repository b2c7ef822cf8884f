// stakenet-cli is a command-line client for interacting with a stakenetd node.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/stakenet-io/stakenet-chain/config"
	"github.com/stakenet-io/stakenet-chain/internal/apiclient"
	"github.com/stakenet-io/stakenet-chain/internal/wallet"
)

const cliVersion = "1.0.0"

// keystoreDir returns the keystore path matching stakenetd's layout:
// <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	apiURL := "http://127.0.0.1:8545"
	dataDir := config.DefaultDataDir()
	network := "mainnet"
	secret := os.Getenv("STAKENET_BROADCAST_SECRET")

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--api" && len(args) > 1:
			apiURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--api="):
			apiURL = args[0][len("--api="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		case args[0] == "--secret" && len(args) > 1:
			secret = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--secret="):
			secret = args[0][len("--secret="):]
			args = args[1:]
		case args[0] == "--testnet":
			network = "testnet"
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	client := apiclient.New(apiURL)
	if secret != "" {
		client.SetSecret(secret)
	}
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "blocks":
		cmdBlocks(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs)
	case "submit":
		cmdSubmit(client, cmdArgs)
	case "register":
		cmdRegister(client, cmdArgs)
	case "wallet":
		cmdWallet(cmdArgs, ksDir)
	case "version":
		fmt.Printf("stakenet-cli %s\n", cliVersion)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: stakenet-cli [global flags] <command> [flags]

Global flags:
  --api <url>         Node API endpoint (default: http://127.0.0.1:8545)
  --datadir <path>    Data directory (default: ~/.stakenet)
  --network <net>     mainnet (default) or testnet
  --testnet           Shorthand for --network testnet
  --secret <s>        Shared broadcast secret; required by submit and register

Commands:
  status                          Show chain status
  block <hash|height>             Show block details
  blocks [--page N] [--limit N]   List recent blocks
  tx <hash>                       Show transaction details
  submit <raw_hex>                Submit a signed raw transaction
  register --node-id <id> --host <h> --port <p> --pubkey <hex>
                                  Announce a node to the peer registry

  wallet create --name <n>        Create a new wallet
  wallet import --name <n> --mnemonic "..."
                                  Import wallet from mnemonic
  wallet list                     List wallets
  wallet address --wallet <w>     List wallet addresses
  wallet new-address --wallet <w> Generate a new address
  wallet export-key --wallet <w>  Export private key for the validator daemon
  wallet delete --wallet <w>      Delete a wallet file

  version                         Show CLI version
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *apiclient.Client) {
	stats, err := client.Stats()
	if err != nil {
		fatal("fetch stats: %v", err)
	}

	fmt.Printf("Network:   %s\n", stats.Network)
	fmt.Printf("Consensus: %s\n", stats.Consensus)
	fmt.Printf("Height:    %d\n", stats.CurrentHeight)
	fmt.Printf("Txs:       %d\n", stats.TotalTransactions)
	fmt.Printf("Supply:    %s\n", stats.TotalSupply)
	fmt.Printf("Mempool:   %d\n", stats.MempoolSize)
	fmt.Printf("Version:   %s\n", stats.Version)
}

// ── block / tx ──────────────────────────────────────────────────────────

func cmdBlock(client *apiclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: stakenet-cli block <hash|height>")
	}

	raw, err := client.Block(args[0])
	if err != nil {
		fatal("fetch block: %v", err)
	}
	printJSON(raw)
}

func cmdBlocks(client *apiclient.Client, args []string) {
	fs := flag.NewFlagSet("blocks", flag.ExitOnError)
	page := fs.Int("page", 1, "Page number")
	limit := fs.Int("limit", 10, "Blocks per page")
	fs.Parse(args)

	raw, err := client.Blocks(*page, *limit)
	if err != nil {
		fatal("fetch blocks: %v", err)
	}
	printJSON(raw)
}

func cmdTx(client *apiclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: stakenet-cli tx <hash>")
	}

	raw, err := client.Transaction(args[0])
	if err != nil {
		fatal("fetch transaction: %v", err)
	}
	printJSON(raw)
}

// ── submit ──────────────────────────────────────────────────────────────

func cmdSubmit(client *apiclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: stakenet-cli submit <raw_hex>")
	}

	res, err := client.Submit(args[0])
	if err != nil {
		fatal("submit transaction: %v", err)
	}

	if res.Existing {
		fmt.Println("Transaction already known.")
	}
	fmt.Printf("TxHash: %s\n", res.TxHash)
	fmt.Printf("From:   %s\n", res.From)
}

// ── register ────────────────────────────────────────────────────────────

func cmdRegister(client *apiclient.Client, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	nodeID := fs.String("node-id", "", "Node identifier")
	host := fs.String("host", "", "Reachable host or domain")
	port := fs.Int("port", 8545, "API port")
	pubkey := fs.String("pubkey", "", "Compressed public key (hex)")
	version := fs.String("node-version", cliVersion, "Node software version")
	fs.Parse(args)

	if *nodeID == "" || *host == "" || *pubkey == "" {
		fatal("Usage: stakenet-cli register --node-id <id> --host <h> --port <p> --pubkey <hex>")
	}

	res, err := client.Register(*nodeID, *host, *port, *pubkey, *version)
	if err != nil {
		fatal("register node: %v", err)
	}

	fmt.Printf("Registered: %s @ %s\n", res.NodeID, res.Domain)
}

// ── wallet ──────────────────────────────────────────────────────────────

func cmdWallet(args []string, ksDir string) {
	if len(args) < 1 {
		fatal("Usage: stakenet-cli wallet <create|import|list|address|new-address|export-key|delete> [flags]")
	}

	switch args[0] {
	case "create":
		cmdWalletCreate(args[1:], ksDir)
	case "import":
		cmdWalletImport(args[1:], ksDir)
	case "list":
		cmdWalletList(ksDir)
	case "address":
		cmdWalletAddress(args[1:], ksDir)
	case "new-address":
		cmdWalletNewAddress(args[1:], ksDir)
	case "export-key":
		cmdWalletExportKey(args[1:], ksDir)
	case "delete":
		cmdWalletDelete(args[1:], ksDir)
	default:
		fatal("Unknown wallet command: %s", args[0])
	}
}

func cmdWalletCreate(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet create", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: stakenet-cli wallet create --name <name>")
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}

	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	password := promptNewPassword()

	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	// Derive account 0 address before encrypting.
	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}

	if err := ks.Create(*name, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	for i := range seed {
		seed[i] = 0
	}

	if err := ks.AddAccount(*name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	fmt.Printf("\nWallet created: %s\n", *name)
	fmt.Printf("Address: %s\n", addr.String())
}

func cmdWalletImport(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet import", flag.ExitOnError)
	name := fs.String("name", "", "Wallet name")
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic (24 words)")
	fs.Parse(args)

	if *name == "" || *mnemonic == "" {
		fatal("Usage: stakenet-cli wallet import --name <name> --mnemonic \"word1 word2 ...\"")
	}

	if !wallet.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}

	password := promptNewPassword()

	seed, err := wallet.SeedFromMnemonic(*mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	master, err := wallet.NewMasterKey(seed)
	if err != nil {
		fatal("derive master key: %v", err)
	}
	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, 0)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}

	if err := ks.Create(*name, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	for i := range seed {
		seed[i] = 0
	}

	if err := ks.AddAccount(*name, wallet.AccountEntry{
		Index:   0,
		Name:    "Default",
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}

	fmt.Printf("\nWallet imported: %s\n", *name)
	fmt.Printf("Address: %s\n", addr.String())
}

func cmdWalletList(ksDir string) {
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	names, err := ks.List()
	if err != nil {
		fatal("list wallets: %v", err)
	}

	if len(names) == 0 {
		fmt.Println("No wallets found.")
		return
	}

	for _, name := range names {
		fmt.Println(name)
	}
}

func cmdWalletAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet address", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: stakenet-cli wallet address --wallet <name>")
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	accounts, err := ks.ListAccounts(*walletName)
	if err != nil {
		fatal("list accounts: %v", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No addresses found.")
		return
	}

	for _, acct := range accounts {
		fmt.Printf("  [%d] %s\n", acct.Index, acct.Address)
	}
}

func cmdWalletNewAddress(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet new-address", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: stakenet-cli wallet new-address --wallet <name>")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	seed, err := ks.Load(*walletName, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}

	master, err := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("derive master key: %v", err)
	}

	next, err := ks.GetExternalIndex(*walletName)
	if err != nil {
		fatal("next index: %v", err)
	}

	hdKey, err := master.DeriveAddress(0, wallet.ChangeExternal, next)
	if err != nil {
		fatal("derive address: %v", err)
	}
	addr := hdKey.Address()

	if err := ks.AddAccount(*walletName, wallet.AccountEntry{
		Index:   next,
		Address: addr.String(),
	}); err != nil {
		fatal("add account: %v", err)
	}
	if err := ks.IncrementExternalIndex(*walletName); err != nil {
		fatal("advance index: %v", err)
	}

	fmt.Printf("  [%d] %s\n", next, addr.String())
}

func cmdWalletExportKey(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet export-key", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	output := fs.String("output", "", "Output file path (default: <name>.key)")
	account := fs.Uint("account", 0, "BIP-44 account index")
	index := fs.Uint("index", 0, "BIP-44 address index")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: stakenet-cli wallet export-key --wallet <name> [--output path] [--account 0] [--index 0]")
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	seed, err := ks.Load(*walletName, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}

	master, err := wallet.NewMasterKey(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		fatal("derive master key: %v", err)
	}

	hdKey, err := master.DeriveAddress(uint32(*account), wallet.ChangeExternal, uint32(*index))
	if err != nil {
		fatal("derive address key: %v", err)
	}

	privBytes := hdKey.PrivateKeyBytes()
	if privBytes == nil {
		fatal("no private key available")
	}

	pubBytes := hdKey.PublicKeyBytes()
	addr := hdKey.Address()

	privHex := hex.EncodeToString(privBytes)
	for i := range privBytes {
		privBytes[i] = 0
	}

	outPath := *output
	if outPath == "" {
		outPath = *walletName + ".key"
	}

	if err := os.WriteFile(outPath, []byte(privHex+"\n"), 0600); err != nil {
		fatal("write key file: %v", err)
	}

	fmt.Printf("Exported validator key to: %s\n", outPath)
	fmt.Printf("  Path:    %s\n", wallet.AddressPath(uint32(*account), wallet.ChangeExternal, uint32(*index)))
	fmt.Printf("  PubKey:  %s\n", hex.EncodeToString(pubBytes))
	fmt.Printf("  Address: %s\n", addr.String())
	fmt.Println("\nUse with: stakenetd --mine --validator-key", outPath)
}

func cmdWalletDelete(args []string, ksDir string) {
	fs := flag.NewFlagSet("wallet delete", flag.ExitOnError)
	walletName := fs.String("wallet", "", "Wallet name")
	fs.Parse(args)

	if *walletName == "" {
		fatal("Usage: stakenet-cli wallet delete --wallet <name>")
	}

	// Require the password so a typo'd name fails before the file goes.
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}

	seed, err := ks.Load(*walletName, password)
	if err != nil {
		fatal("load wallet: %v", err)
	}
	for i := range seed {
		seed[i] = 0
	}

	if err := ks.Delete(*walletName); err != nil {
		fatal("delete wallet: %v", err)
	}

	fmt.Printf("Wallet deleted: %s\n", *walletName)
}

// ── I/O helpers ─────────────────────────────────────────────────────────

// promptNewPassword reads a password twice and verifies both match.
func promptNewPassword() []byte {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	return password
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// printJSON pretty-prints a raw JSON payload.
func printJSON(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
