package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowchain/internal/passphrase"
	"escrowchain/core/types"
	"escrowchain/crypto"
)

const defaultServer = "http://localhost:8480"

var (
	passSource        = passphrase.NewSource("ESCROW_CLI_PASSPHRASE", "participant")
	resolvePassphrase = func() (string, error) { return passSource.Get() }
	httpClient        = &http.Client{Timeout: 15 * time.Second}
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of escrow-cli %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func defaultServerURL() string {
	if v := strings.TrimSpace(os.Getenv("ESCROWD_URL")); v != "" {
		return v
	}
	return defaultServer
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	path := fs.String("keystore", "", "path of the keystore to create")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*path) == "" {
		return printError(stderr, "--keystore is required")
	}
	if _, err := os.Stat(*path); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", *path))
	}
	pass, err := resolvePassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(*path, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("--keystore is required")
	}
	pass, err := resolvePassphrase()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	path := fs.String("keystore", "", "participant keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(*path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runCall(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		return printError(stderr, "call type required")
	}
	callType, err := types.ParseCallType(args[0])
	if err != nil {
		return printError(stderr, err.Error())
	}
	fs := newFlagSet("call "+callType.String(), stderr)
	var (
		keystore   = fs.String("keystore", "", "participant keystore used to sign")
		server     = fs.String("server", defaultServerURL(), "escrowd base URL")
		escrowID   = fs.String("escrow", "", "0x-prefixed escrow id")
		value      = fs.String("value", "", "value moved into custody (create, deposit)")
		nonce      = fs.Uint64("nonce", 0, "call nonce; 0 fetches the next one from the server")
		idemKey    = fs.String("idempotency-key", "", "optional Idempotency-Key header")
		buyer      = fs.String("buyer", "", "buyer address (create)")
		seller     = fs.String("seller", "", "seller address (create)")
		arbitrator = fs.String("arbitrator", "", "arbitrator address (create)")
		threshold  = fs.Uint64("threshold", 0, "release threshold percent (create)")
		meta       = fs.String("meta", "", "free-form metadata hashed into the escrow id (create)")
		partners   stringList
	)
	fs.Var(&partners, "partner", "partner address; repeatable for create, single for add_partner")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}

	call := types.Call{Type: callType}
	if callType != types.CallCreate {
		if *escrowID == "" {
			return printError(stderr, "--escrow is required")
		}
		id, err := types.ParseEscrowID(*escrowID)
		if err != nil {
			return printError(stderr, err.Error())
		}
		call.EscrowID = id
	}
	if *value != "" {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(*value), 10)
		if !ok || amount.Sign() <= 0 {
			return printError(stderr, "--value must be a positive integer")
		}
		call.Value = amount
	}
	switch callType {
	case types.CallCreate:
		params, err := buildCreateParams(*buyer, *seller, *arbitrator, *threshold, partners, *meta)
		if err != nil {
			return printError(stderr, err.Error())
		}
		data, err := types.EncodeCreateParams(params)
		if err != nil {
			return printError(stderr, err.Error())
		}
		call.Data = data
		if call.Value == nil {
			return printError(stderr, "--value is required for create")
		}
	case types.CallDeposit:
		if call.Value == nil {
			return printError(stderr, "--value is required for deposit")
		}
	case types.CallAddPartner:
		if len(partners) != 1 {
			return printError(stderr, "exactly one --partner is required")
		}
		partner, err := crypto.DecodeAddress(partners[0])
		if err != nil {
			return printError(stderr, err.Error())
		}
		raw := partner.Raw()
		call.Data = raw[:]
	}

	key, err := loadKey(*keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	call.Nonce = *nonce
	if call.Nonce == 0 {
		var account struct {
			Nonce uint64 `json:"nonce"`
		}
		if err := getJSON(*server, "/v1/accounts/"+url.PathEscape(key.PubKey().Address().String()), &account); err != nil {
			return printError(stderr, err.Error())
		}
		call.Nonce = account.Nonce + 1
	}
	if err := call.Sign(key); err != nil {
		return printError(stderr, err.Error())
	}
	body, err := json.Marshal(call)
	if err != nil {
		return printError(stderr, err.Error())
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*server, "/")+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return printError(stderr, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if *idemKey != "" {
		req.Header.Set("Idempotency-Key", *idemKey)
	}
	return doAndPrint(req, stdout, stderr)
}

func buildCreateParams(buyer, seller, arbitrator string, threshold uint64, partners []string, meta string) (types.CreateParams, error) {
	var params types.CreateParams
	roles := []struct {
		flag string
		raw  string
		dst  *[20]byte
	}{
		{"--buyer", buyer, &params.Buyer},
		{"--seller", seller, &params.Seller},
		{"--arbitrator", arbitrator, &params.Arbitrator},
	}
	for _, role := range roles {
		if strings.TrimSpace(role.raw) == "" {
			return params, fmt.Errorf("%s is required", role.flag)
		}
		addr, err := crypto.DecodeAddress(role.raw)
		if err != nil {
			return params, fmt.Errorf("%s: %w", role.flag, err)
		}
		*role.dst = addr.Raw()
	}
	if threshold == 0 || threshold > 100 {
		return params, fmt.Errorf("--threshold must be within 1..100")
	}
	params.ThresholdPercent = threshold
	for _, p := range partners {
		addr, err := crypto.DecodeAddress(p)
		if err != nil {
			return params, fmt.Errorf("--partner: %w", err)
		}
		params.Partners = append(params.Partners, addr.Raw())
	}
	if meta != "" {
		copy(params.MetaHash[:], ethcrypto.Keccak256([]byte(meta)))
	}
	return params, nil
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	server := fs.String("server", defaultServerURL(), "escrowd base URL")
	id := fs.String("id", "", "0x-prefixed escrow id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := types.ParseEscrowID(*id); err != nil {
		return printError(stderr, err.Error())
	}
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*server, "/")+"/v1/escrows/"+*id, nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return doAndPrint(req, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	server := fs.String("server", defaultServerURL(), "escrowd base URL")
	address := fs.String("address", "", "participant address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := crypto.DecodeAddress(*address); err != nil {
		return printError(stderr, err.Error())
	}
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*server, "/")+"/v1/accounts/"+url.PathEscape(*address), nil)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return doAndPrint(req, stdout, stderr)
}

func getJSON(server, path string, out any) error {
	resp, err := httpClient.Get(strings.TrimRight(server, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// doAndPrint writes the indented response body to stdout on success and to
// stderr otherwise.
func doAndPrint(req *http.Request, stdout, stderr io.Writer) int {
	resp, err := httpClient.Do(req)
	if err != nil {
		return printError(stderr, err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	if resp.StatusCode >= 300 {
		fmt.Fprintf(stderr, "Request failed (%s):\n%s\n", resp.Status, pretty.String())
		return 1
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}
