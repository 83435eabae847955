package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tidekv/tidekv/kv/config"
	"github.com/tidekv/tidekv/kv/server"
	"github.com/tidekv/tidekv/kv/storage"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbPath     = flag.String("path", "", "directory path used to store data")
	logLevel   = flag.String("loglevel", "", "the level of log")
)

func main() {
	flag.Parse()
	conf := loadConfig()
	if *dbPath != "" {
		conf.Engine.DBPath = *dbPath
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	if conf.MaxProcs > 0 {
		runtime.GOMAXPROCS(conf.MaxProcs)
	}
	setupLog(conf)
	log.Info("starting tidekv", zap.String("db-path", conf.Engine.DBPath))

	st := storage.NewBadgerStorage(conf)
	if err := st.Start(); err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	svr := server.NewServer(st, &conf.Storage)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("status server listening", zap.String("addr", conf.HttpAddr))
		if err := http.ListenAndServe(conf.HttpAddr, nil); err != nil {
			log.Error("status server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh
	log.Info("got signal, shutting down", zap.Stringer("signal", sig))
	svr.Stop()
	if err := st.Stop(); err != nil {
		log.Error("failed to close storage", zap.Error(err))
	}
}

func loadConfig() *config.Config {
	conf := config.DefaultConf
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatal("failed to load config", zap.String("path", *configPath), zap.Error(err))
		}
		conf = *loaded
	}
	return &conf
}

func setupLog(conf *config.Config) {
	logger, p, err := log.InitLogger(&log.Config{Level: conf.LogLevel})
	if err != nil {
		log.Fatal("failed to init logger", zap.Error(err))
	}
	log.ReplaceGlobals(logger, p)
}
