package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/folkengine/goname"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-muc/auth"
	"github.com/tcriess/lightspeed-muc/cache"
	"github.com/tcriess/lightspeed-muc/cluster"
	"github.com/tcriess/lightspeed-muc/config"
	"github.com/tcriess/lightspeed-muc/consistency"
	"github.com/tcriess/lightspeed-muc/globals"
	"github.com/tcriess/lightspeed-muc/persistence"
	"github.com/tcriess/lightspeed-muc/room"
	"github.com/tcriess/lightspeed-muc/types"
	"github.com/tcriess/lightspeed-muc/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "ws service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

type server struct {
	cfg        *config.Config
	directory  *room.Directory
	hubManager *ws.HubManager

	roomsListener     *cluster.UniqueOwnerListener
	occupantsListener *cluster.MultiOwnerListener
	membership        *cluster.Membership
	caches            *cache.Factory
}

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	if persister != nil {
		defer persister.Close()
	}

	caches := cache.NewFactory(globalConfig.CacheConfigs)
	directory := room.NewDirectory(globalConfig, persister, caches)
	srv := &server{
		cfg:        globalConfig,
		directory:  directory,
		hubManager: ws.NewHubManager(directory, globalConfig),
		caches:     caches,
	}

	if globalConfig.IsClustered() {
		node := cluster.NodeID(globalConfig.ClusterConfig.NodeID)
		if node == "" {
			panic("clustered mode requires a node id")
		}
		srv.membership = cluster.NewMembership(node)
		bus, err := cluster.NewKafkaBus(globalConfig.ClusterConfig.KafkaBrokers, globalConfig.ClusterConfig.KafkaTopic, node, srv.membership)
		if err != nil {
			panic(err)
		}
		defer bus.Close()

		srv.roomsListener = cluster.NewUniqueOwnerListener(cache.CacheRooms)
		bus.AddListener(srv.roomsListener)
		srv.occupantsListener = cluster.NewMultiOwnerListener(cache.CacheOccupants, occupantNodes)
		bus.AddListener(srv.occupantsListener)

		backend, err := cluster.NewRedisBackend(globalConfig.ClusterConfig.RedisAddr, globalConfig.ClusterConfig.RedisDB, node, bus)
		if err != nil {
			panic(err)
		}
		defer backend.Close()
		caches.JoinedCluster(backend)
		defer caches.LeftCluster()
		globals.AppLogger.Info("joined cluster", "node", node)
	}

	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := cronRunner.AddFunc("@every 10m", directory.RefreshSurrogates); err != nil {
		panic(err)
	}
	if _, err := cronRunner.AddFunc("@every 5m", func() {
		directory.CleanupExpired()
		srv.hubManager.ReapIdle()
	}); err != nil {
		panic(err)
	}
	if srv.roomsListener != nil {
		if _, err := cronRunner.AddFunc("@every 5m", srv.runConsistencySweep); err != nil {
			panic(err)
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	directory.RefreshSurrogates()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		globals.AppLogger.Info("interrupted, persisting rooms")
		for _, r := range directory.Rooms() {
			r.Persist()
		}
		os.Exit(0)
	}()

	router := mux.NewRouter()
	router.HandleFunc("/muc/{room:[a-z][a-z0-9_-]+}", srv.websocketHandler).Methods(http.MethodGet)
	router.HandleFunc("/rooms", srv.roomsHandler).Methods(http.MethodGet)
	http.Handle("/", router)

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, nil)
	} else {
		err = http.ListenAndServe(*addr, nil)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

// occupantNodes derives the owning nodes of one occupants-cache entry from
// the cached occupant list.
func occupantNodes(value json.RawMessage) []cluster.NodeID {
	occupants := make([]types.Occupant, 0)
	if err := json.Unmarshal(value, &occupants); err != nil {
		return nil
	}
	seen := make(map[cluster.NodeID]struct{})
	nodes := make([]cluster.NodeID, 0, len(occupants))
	for _, o := range occupants {
		node := cluster.NodeID(o.NodeID)
		if _, ok := seen[node]; ok || node == "" {
			continue
		}
		seen[node] = struct{}{}
		nodes = append(nodes, node)
	}
	return nodes
}

// runConsistencySweep diffs the shared rooms cache against the local room
// directory and the reverse ownership map built from remote cache events.
func (s *server) runConsistencySweep() {
	local := s.membership.LocalNode()
	localKeys := make([]string, 0)
	for _, r := range s.directory.Rooms() {
		if r.OccupantCount() > 0 {
			localKeys = append(localKeys, r.Name())
		}
	}
	snapshot := consistency.Snapshot{
		CacheName:    cache.CacheRooms,
		CacheKeys:    s.caches.GetCache(cache.CacheRooms).Keys(),
		LocalKeys:    localKeys,
		RemoteKeys:   s.roomsListener.Snapshot(),
		LocalNode:    local,
		ClusterNodes: s.membership.RemoteNodes(),
	}
	report := consistency.Check(snapshot)
	for _, line := range report.Fail {
		globals.AppLogger.Error("consistency check failed", "detail", line)
	}
	for _, line := range report.Pass {
		globals.AppLogger.Debug("consistency check passed", "detail", line)
	}
	if report.Ok() {
		globals.AppLogger.Info("consistency sweep clean", "cache", cache.CacheRooms, "keys", len(snapshot.CacheKeys))
	}
}

func (s *server) roomsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.directory.PublicRooms()); err != nil {
		globals.AppLogger.Error("could not encode room list", "error", err)
	}
}

// Handle incoming websockets
func (s *server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomName := vars["room"]
	if roomName == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	userId := ""
	vals := r.URL.Query()
	if idToken := vals.Get("id_token"); idToken != "" {
		if provider := vals.Get("provider"); provider != "" {
			var err error
			userId, err = auth.Authenticate(r.Context(), idToken, provider, s.cfg)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
	}
	user, err := s.userJID(userId)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	hub, err := s.hubManager.HubFor(roomName, user)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// Upgrade HTTP request to Websocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		globals.AppLogger.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close() //nolint

	doneChan := make(chan struct{})
	c := ws.NewClient(hub, conn, user, doneChan)

	// Add to the hub, wait until the registration actually happened so
	// broadcasts reach the new client
	c.Add(1)
	hub.Register <- c
	c.Wait()
	defer func() {
		hub.Unregister <- c
	}()
	c.Add(2)
	go c.ReadLoop()
	go c.WriteLoop()
	<-doneChan
}

// userJID builds the full JID of a connecting user. Authenticated users
// carry their account address, guests get a generated identity under the
// service domain.
func (s *server) userJID(userId string) (types.JID, error) {
	resource := fmt.Sprintf("ws-%x", time.Now().UnixNano())
	if userId != "" {
		jid, err := types.ParseJID(userId)
		if err != nil {
			return types.JID{}, err
		}
		jid.Resource = resource
		return jid, nil
	}
	guest := strings.ToLower(strings.ReplaceAll(goname.New(goname.FantasyMap).FirstLast(), " ", "."))
	return types.JID{
		Node:     guest + ".guest",
		Domain:   s.cfg.MUCConfig.ServiceDomain,
		Resource: resource,
	}, nil
}
