// Package config resolves one replica's launch parameters (§6.4): flags,
// an optional JSON-with-comments config file read via
// github.com/tinode/jsonco (the teacher's own config-parsing dependency,
// used the same way here — strip comments, then decode), and the
// Cartesian-product peer address space derivation the launcher contract
// specifies.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tinode/jsonco"
)

// fileConfig is the shape of an optional --config file. Every field except
// push may also be set or overridden by a CLI flag; flags win when both are
// set.
type fileConfig struct {
	DataDir       string          `json:"data_dir"`
	StoreBackend  string          `json:"store_backend"`
	StoreDSN      string          `json:"store_dsn"`
	MetricsAddr   string          `json:"metrics_addr"`
	AdminAddr     string          `json:"admin_addr"`
	PushHandlers  json.RawMessage `json:"push"`
}

// Config is one replica's fully-resolved launch configuration.
type Config struct {
	ReplicaIndex int
	NumServers   int

	ClientAddr string // this replica's ClientEndpoint bind address
	PeerAddr   string // this replica's PeerEndpoint bind address
	PeerAddrs  []string // the configured peer address space; may contain PeerAddr itself

	DataDir      string
	StoreBackend string
	StoreDSN     string

	MetricsAddr string
	AdminAddr   string

	PushConfig json.RawMessage
}

// Parse reads flags (and, if --config names a file, that file) and
// derives a fully-resolved Config for replica --replica_index.
//
// Flags mirror §6.4's launcher surface: --num_servers,
// --start_server_port, --start_internal_port, --host,
// --internal_other_servers, --internal_other_ports, --internal_max_ports,
// plus the ambient additions --config, --metrics_addr, --admin_addr.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("replicad", flag.ContinueOnError)

	replicaIndex := fs.Int("replica_index", 0, "index of this replica, 0-based")
	numServers := fs.Int("num_servers", 1, "total number of replicas in the cluster")
	startServerPort := fs.Int("start_server_port", 54400, "client port of replica 0")
	startInternalPort := fs.Int("start_internal_port", 54500, "peer port of replica 0")
	host := fs.String("host", "127.0.0.1", "host this replica binds and advertises")
	otherServers := fs.String("internal_other_servers", "", "comma-separated peer hosts")
	otherPorts := fs.String("internal_other_ports", "", "comma-separated starting peer ports, one per host")
	maxPorts := fs.String("internal_max_ports", "", "comma-separated per-host port counts")
	dataDir := fs.String("data_dir", "./data", "jsonfile PersistenceDriver directory")
	storeBackend := fs.String("store_backend", "jsonfile", "jsonfile | sql | mongo")
	storeDSN := fs.String("store_dsn", "", "data source name for sql/mongo backends")
	configPath := fs.String("config", "", "optional JSON-with-comments config file")
	metricsAddr := fs.String("metrics_addr", "", "Prometheus + expvar listen address, empty disables")
	adminAddr := fs.String("admin_addr", "", "websocket admin feed listen address, empty disables")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var fc fileConfig
	if *configPath != "" {
		var err error
		fc, err = loadFileConfig(*configPath)
		if err != nil {
			return Config{}, err
		}
	}

	// A flag left at its default yields to a value from the config file.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["data_dir"] && fc.DataDir != "" {
		*dataDir = fc.DataDir
	}
	if !set["store_backend"] && fc.StoreBackend != "" {
		*storeBackend = fc.StoreBackend
	}

	cfg := Config{
		ReplicaIndex: *replicaIndex,
		NumServers:   *numServers,
		DataDir:      firstNonEmpty(*dataDir, fc.DataDir),
		StoreBackend: firstNonEmpty(*storeBackend, fc.StoreBackend),
		StoreDSN:     firstNonEmpty(*storeDSN, fc.StoreDSN),
		MetricsAddr:  firstNonEmpty(*metricsAddr, fc.MetricsAddr),
		AdminAddr:    firstNonEmpty(*adminAddr, fc.AdminAddr),
		PushConfig:   fc.PushHandlers,
	}

	if cfg.ReplicaIndex < 0 || cfg.ReplicaIndex >= cfg.NumServers {
		return Config{}, fmt.Errorf("config: replica_index %d out of range [0,%d)", cfg.ReplicaIndex, cfg.NumServers)
	}

	cfg.ClientAddr = fmt.Sprintf("%s:%d", *host, *startServerPort+cfg.ReplicaIndex)
	cfg.PeerAddr = fmt.Sprintf("%s:%d", *host, *startInternalPort+cfg.ReplicaIndex)

	peers, err := peerAddressSpace(*otherServers, *otherPorts, *maxPorts)
	if err != nil {
		return Config{}, err
	}
	cfg.PeerAddrs = peers
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var fc fileConfig
	// jsonco.New strips // and /* */ comments from the stream before the
	// standard decoder ever sees it, the same comment-tolerant config
	// format the teacher ships with.
	if err := json.NewDecoder(jsonco.New(f)).Decode(&fc); err != nil {
		return fileConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, nil
}

// peerAddressSpace derives the peer address list by taking the Cartesian
// product of the host list, their starting ports, and each host's port
// count (§6.4). It does not add this replica's own peer address; that is
// present only if the supplied lists cover it.
func peerAddressSpace(otherServers, otherPorts, maxPorts string) ([]string, error) {
	var addrs []string

	hosts := splitNonEmpty(otherServers)
	startPorts, err := splitInts(otherPorts)
	if err != nil {
		return nil, fmt.Errorf("config: internal_other_ports: %w", err)
	}
	counts, err := splitInts(maxPorts)
	if err != nil {
		return nil, fmt.Errorf("config: internal_max_ports: %w", err)
	}
	if len(hosts) != len(startPorts) || len(hosts) != len(counts) {
		return nil, fmt.Errorf("config: internal_other_servers/ports/max_ports must have matching lengths (%d/%d/%d)",
			len(hosts), len(startPorts), len(counts))
	}

	for i, h := range hosts {
		for p := 0; p < counts[i]; p++ {
			addrs = append(addrs, fmt.Sprintf("%s:%d", h, startPorts[i]+p))
		}
	}
	return addrs, nil
}

func splitNonEmpty(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitInts(csv string) ([]int, error) {
	fields := splitNonEmpty(csv)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
