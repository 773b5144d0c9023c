// Command symdbctl builds and queries symdb files: convert a support
// bundle into one, look up a symbol inside one, or serve lookups over
// HTTP. Each subcommand does nothing but parse its own flags and call
// into the sdk/bundle/symdb/macho packages; there is no independent
// logic here worth testing on its own.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/appsworld/symdb/bundle"
	"github.com/appsworld/symdb/sdk"
	"github.com/appsworld/symdb/symdb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(os.Args[2:])
	case "lookup":
		err = runLookup(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: symdbctl convert <sdk-path> <out.memdb>")
	fmt.Fprintln(os.Stderr, "       symdbctl lookup <memdb> <uuid-or-name:arch> <addr>")
	fmt.Fprintln(os.Stderr, "       symdbctl serve <memdb> <addr>")
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("convert: expected <sdk-path> <out.memdb>")
	}
	sdkPath, outPath := fs.Arg(0), fs.Arg(1)

	info, err := sdk.Parse(sdkPath)
	if err != nil {
		return fmt.Errorf("parsing sdk path: %w", err)
	}
	log.Infof("ingesting %s", info.String())

	wk, err := bundle.Open(sdkPath)
	if err != nil {
		return fmt.Errorf("opening bundle: %w", err)
	}
	defer wk.Close()

	w := symdb.NewWriter(info)
	if err := w.IngestWalker(wk); err != nil {
		return fmt.Errorf("ingesting bundle: %w", err)
	}

	data, err := w.Bytes()
	if err != nil {
		return fmt.Errorf("serializing symdb: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	log.Infof("wrote %s (%d bytes)", outPath, len(data))
	return nil
}

func runLookup(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 3 {
		return fmt.Errorf("lookup: expected <memdb> <uuid-or-name:arch> <addr>")
	}
	memdbPath, key, addrStr := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("parsing address %q: %w", addrStr, err)
	}

	r, err := symdb.Open(memdbPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", memdbPath, err)
	}
	defer r.Close()

	sym, err := resolveLookup(r, key, addr)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}
	if sym == nil {
		fmt.Println("not found")
		return nil
	}
	fmt.Printf("%s %s %s %#x\n", sym.ObjectUUID, sym.ObjectName, sym.Symbol, sym.Addr)
	return nil
}

// resolveLookup mirrors FindUUIDFuzzy's own dispatch (UUID string vs.
// "name:arch" alias) but goes through LookupByObjectName directly when the
// key names an arch, exercising that entry point without an extra
// round trip through the UUID table.
func resolveLookup(r *symdb.Reader, key string, addr uint64) (*symdb.Symbol, error) {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		name, arch := key[:i], key[i+1:]
		return r.LookupByObjectName(name, arch, addr)
	}
	id, err := r.FindUUIDFuzzy(key)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}
	return r.LookupByUUID(*id, addr)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("serve: expected <memdb> <addr>")
	}
	memdbPath, listenAddr := fs.Arg(0), fs.Arg(1)

	r, err := symdb.Open(memdbPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", memdbPath, err)
	}
	defer r.Close()

	srv := &server{reader: r, path: memdbPath}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/lookup", srv.handleLookup)

	log.Infof("serving %s on %s", srv.path, listenAddr)
	return http.ListenAndServe(listenAddr, mux)
}

// server holds the one read-only Reader every request is served from.
// Reader lookups are safe for unlimited concurrent callers (see
// symdb.Reader's doc comment), so no locking is needed here.
type server struct {
	reader *symdb.Reader
	path   string
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	File    string `json:"file"`
	Sdk     string `json:"sdk"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Healthy: true,
		File:    s.path,
		Sdk:     s.reader.Info().String(),
	})
}

type lookupResponse struct {
	ObjectUUID string `json:"object_uuid"`
	ObjectName string `json:"object_name"`
	Symbol     string `json:"symbol"`
	Addr       uint64 `json:"addr"`
}

func (s *server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addrStr := q.Get("addr")
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil {
		http.Error(w, "bad addr", http.StatusBadRequest)
		return
	}

	var (
		sym    *symdb.Symbol
		lookup error
	)
	if key := q.Get("uuid"); key != "" {
		id, parseErr := parseUUIDQuery(key)
		if parseErr != nil {
			http.Error(w, "bad uuid", http.StatusBadRequest)
			return
		}
		sym, lookup = s.reader.LookupByUUID(id, addr)
	} else if name := q.Get("name"); name != "" {
		sym, lookup = s.reader.LookupByObjectName(name, q.Get("arch"), addr)
	} else {
		http.Error(w, "one of uuid or name is required", http.StatusBadRequest)
		return
	}

	if lookup != nil {
		http.Error(w, lookup.Error(), http.StatusInternalServerError)
		return
	}
	if sym == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{
		ObjectUUID: sym.ObjectUUID.String(),
		ObjectName: sym.ObjectName,
		Symbol:     sym.Symbol,
		Addr:       sym.Addr,
	})
}

func parseUUIDQuery(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
