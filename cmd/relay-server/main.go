// Command relay-server runs a relay server: it accepts the websocket
// connections of the clients on the configured paths and serves the
// management routes called by the backend application under the base
// auth path. The authentication cache is kept in memory, or in redis
// when an address is configured.
package main

import (
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/websocket"
	"github.com/mna/redisc"
	"github.com/trippledave/drupal-nodejs/admin"
	"github.com/trippledave/drupal-nodejs/authcache"
	"github.com/trippledave/drupal-nodejs/authcache/rediscache"
	"github.com/trippledave/drupal-nodejs/backend/httpbackend"
	"github.com/trippledave/drupal-nodejs/extension/activity"
	"github.com/trippledave/drupal-nodejs/internal/srvhandler"
	"github.com/trippledave/drupal-nodejs/relay"
)

var (
	configFlag       = flag.String("config", "", "Path of the configuration `file`.")
	helpFlag         = flag.Bool("help", false, "Show help.")
	noLogFlag        = flag.Bool("L", false, "Disable logging.")
	portFlag         = flag.Int("port", 8080, "Server `port`.")
	redisAddrFlag    = flag.String("redis", "", "Redis `address` of the authentication cache.")
	redisClusterFlag = flag.Bool("redis-cluster", false, "Use redis cluster.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logFn := log.Printf
	if *noLogFlag {
		logFn = func(_ string, _ ...interface{}) {}
	}

	vars := expvar.NewMap("relay")

	cache, err := newAuthCache(conf, vars, logFn)
	if err != nil {
		log.Fatalf("failed to create authentication cache: %v", err)
	}

	exts, err := newExtensions(conf.Extensions, logFn)
	if err != nil {
		log.Fatalf("failed to load extensions: %v", err)
	}

	srv := newServer(conf, cache, logFn)
	srv.Vars = vars
	srv.Extensions = exts
	srv.Handler = newHandler(vars, logFn)
	relay.SlowProcessMsgThreshold = conf.Server.SlowProcessMsgThreshold
	srv.SetDebug(conf.Debug)
	defer srv.Close()

	adm := &admin.Server{
		Relay:                     srv,
		ServiceKey:                conf.ServiceKey,
		BaseAuthPath:              conf.BaseAuthPath,
		ClientsCanWriteToChannels: conf.ClientsCanWriteToChannels,
		Extensions:                exts,
		LogFunc:                   logFn,
	}
	if !*noLogFlag {
		adm.AccessLog = os.Stderr
	}
	gin.SetMode(gin.ReleaseMode)

	mux := http.NewServeMux()
	upgh := relay.Upgrade(newUpgrader(conf.Server), srv)
	for _, p := range conf.Server.Paths {
		mux.Handle(p, upgh)
	}
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	mux.Handle("/", adm.Handler())

	httpSrv := newHTTPServer(conf.Server, mux)

	logFn("listening for connections on %s", conf.Server.Addr)
	if conf.TLS != nil {
		err = httpSrv.ListenAndServeTLS(conf.TLS.Cert, conf.TLS.Key)
	} else {
		err = httpSrv.ListenAndServe()
	}
	if err != nil {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}

// newExtensions returns the extensions named in the configuration.
func newExtensions(names []string, logFn func(string, ...interface{})) ([]interface{}, error) {
	var exts []interface{}
	for _, name := range names {
		switch name {
		case activity.Name:
			exts = append(exts, &activity.Extension{LogFunc: logFn})
		default:
			return nil, fmt.Errorf("unknown extension %q", name)
		}
	}
	return exts, nil
}

func newHandler(vars *expvar.Map, logFn func(string, ...interface{})) relay.Handler {
	chain := []relay.Handler{relay.HandlerFunc(relay.ProcessMsg)}
	if !*noLogFlag {
		chain = append([]relay.Handler{srvhandler.LogMsg(logFn)}, chain...)
	}
	return srvhandler.PanicRecover(srvhandler.Chain(chain...), vars)
}

func newBackend(conf *Backend, serviceKey string, debug bool, logFn func(string, ...interface{})) *httpbackend.Client {
	return &httpbackend.Client{
		Scheme:             conf.Scheme,
		Host:               conf.Host,
		Port:               conf.Port,
		BasePath:           conf.BasePath,
		MessagePath:        conf.MessagePath,
		HTTPAuth:           conf.HTTPAuth,
		ServiceKey:         serviceKey,
		InsecureSkipVerify: !conf.StrictSSL,
		Timeout:            conf.Timeout,
		LogFunc:            logFn,
		Debug:              debug,
	}
}

func newAuthCache(conf *Config, vars *expvar.Map, logFn func(string, ...interface{})) (authcache.Store, error) {
	if conf.Redis.Addr == "" {
		logFn("authentication cache in memory")
		return authcache.NewMemory(conf.AuthCache.Size, conf.AuthCache.TTL), nil
	}

	var pool rediscache.Pool
	createPoolFn := redisPoolCreateFunc(conf.Redis)
	if conf.Redis.Cluster {
		cluster, err := newRedisCluster(conf.Redis.Addr, createPoolFn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cluster: %w", err)
		}
		pool = cluster
		logFn("redis cluster configured on %s", conf.Redis.Addr)
	} else {
		p, err := createPoolFn(conf.Redis.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis pool: %w", err)
		}
		pool = p
		logFn("redis pool configured on %s", conf.Redis.Addr)
	}

	return &rediscache.Store{
		Pool:      pool,
		TTL:       conf.AuthCache.TTL,
		KeyPrefix: conf.Redis.KeyPrefix,
		LogFunc:   logFn,
		Vars:      vars,
	}, nil
}

func isIn(list []string, v string) bool {
	for _, vv := range list {
		if v == vv {
			return true
		}
	}
	return false
}

func newUpgrader(conf *Server) *websocket.Upgrader {
	upg := &websocket.Upgrader{
		HandshakeTimeout: conf.HandshakeTimeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
	}

	if len(conf.WhitelistedOrigins) > 0 {
		oris := conf.WhitelistedOrigins
		upg.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return isIn(oris, o)
		}
	}
	return upg
}

func newHTTPServer(conf *Server, h http.Handler) *http.Server {
	return &http.Server{
		Addr:           conf.Addr,
		Handler:        h,
		MaxHeaderBytes: conf.MaxHeaderBytes,
	}
}

func newServer(conf *Config, cache authcache.Store, logFn func(string, ...interface{})) *relay.Server {
	cs := srvhandler.LogConn(logFn)
	if *noLogFlag {
		cs = nil
	}
	sc := conf.Server
	return &relay.Server{
		ReadLimit:                 sc.ReadLimit,
		ReadTimeout:               sc.ReadTimeout,
		ReadRate:                  sc.ReadRate,
		ReadBurst:                 sc.ReadBurst,
		WriteLimit:                sc.WriteLimit,
		WriteTimeout:              sc.WriteTimeout,
		AcquireWriteLockTimeout:   sc.AcquireWriteLockTimeout,
		PingInterval:              sc.PingInterval,
		SendQueueSize:             sc.SendQueueSize,
		ConnState:                 cs,
		Backend:                   newBackend(conf.Backend, conf.ServiceKey, conf.Debug, logFn),
		AuthTimeout:               conf.Backend.Timeout,
		AuthCache:                 cache,
		PresenceDelay:             conf.PresenceDelay,
		ContentChannelDelay:       conf.ContentChannelDelay,
		ClientsCanWriteToChannels: conf.ClientsCanWriteToChannels,
		ClientsCanWriteToClients:  conf.ClientsCanWriteToClients,
		LogFunc:                   logFn,
	}
}

func newRedisCluster(addr string, createPool func(string, ...redis.DialOption) (*redis.Pool, error)) (*redisc.Cluster, error) {
	c := &redisc.Cluster{
		StartupNodes: []string{addr},
		CreatePool:   createPool,
	}
	err := c.Refresh()
	return c, err
}

func redisPoolCreateFunc(conf *Redis) func(string, ...redis.DialOption) (*redis.Pool, error) {
	return func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		p := &redis.Pool{
			MaxIdle:     conf.MaxIdle,
			MaxActive:   conf.MaxActive,
			IdleTimeout: conf.IdleTimeout,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				_, err := c.Do("PING")
				return err
			},
		}

		// test the connection so that it fails fast if redis is not available
		c := p.Get()
		defer c.Close()

		if _, err := c.Do("PING"); err != nil {
			return nil, err
		}
		return p, nil
	}
}
