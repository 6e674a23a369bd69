// Copyright 2024 the Failover Watchdog Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The watchdogd binary runs the failover coordination daemon: it watches
// the leadership pointer in etcd and steps the local MySQL instance up or
// down as leadership changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof HTTP handlers.
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/dbfailover/watchdog/cmd"
	"github.com/dbfailover/watchdog/coordination"
	coordetcd "github.com/dbfailover/watchdog/coordination/etcd"
	"github.com/dbfailover/watchdog/monitoring/prometheus"
	"github.com/dbfailover/watchdog/resource/mysql"
	"github.com/dbfailover/watchdog/util"
	"github.com/dbfailover/watchdog/watcher"
)

var (
	etcdServers  = flag.String("etcd_servers", "", "Comma-separated list of etcd server URIs")
	mysqlURI     = flag.String("mysql_uri", "root@tcp(127.0.0.1:3306)/", "DSN of the managed MySQL server; the user needs SUPER")
	watcherID    = flag.String("watcher_id", "", "Identity of this watcher instance (default hostname.pid)")
	httpEndpoint = flag.String("http_endpoint", "localhost:8092", "Endpoint for HTTP metrics/health (host:port, empty means disabled)")

	activeMasterPath = flag.String("active_master_path", "/active_master_id", "Node holding the leadership pointer")
	statePath        = flag.String("state_path", "/state", "Node holding the failover state")
	clientDataPath   = flag.String("client_data_path", "/client_data", "Node the promotion payload is published to")
	mastersDir       = flag.String("masters_dir", "/masters", "Directory for ephemeral membership registration")
	migrationLock    = flag.String("migration_lock", "migrations_running", "Name of the fleet-wide migration lock")

	maxConvergenceWait = flag.Duration("max_convergence_wait", watcher.DefaultMaxConvergenceWait, "Maximum time a promotion waits for replication to converge")
	pollInterval       = flag.Duration("poll_interval", watcher.DefaultPollInterval, "Interval between convergence checks")
	clientData         = flag.String("client_data", "{}", "JSON blob published on successful promotion")
	migrationsDir      = flag.String("migrations_dir", watcher.DefaultMigrationsDir, "Directory containing schema migration files")

	healthzTimeout = flag.Duration("healthz_timeout", 5*time.Second, "Timeout used during healthz checks")

	configFile = flag.String("config", "", "Config file containing flags, file contents can be overridden by command line flags")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *configFile != "" {
		if err := cmd.ParseFlagFile(*configFile); err != nil {
			klog.Exitf("Failed to load flags from config file %q: %s", *configFile, err)
		}
	}

	klog.CopyStandardLogTo("WARNING")
	klog.Info("**** Failover Watchdog Starting ****")

	client, err := coordetcd.NewClient(*etcdServers)
	if err != nil {
		klog.Exitf("Failed to connect to etcd at %v: %v", *etcdServers, err)
	}
	if client == nil {
		klog.Exit("--etcd_servers must be supplied")
	}
	defer client.Close()

	session, err := coordetcd.NewSession(client)
	if err != nil {
		klog.Exitf("Failed to establish coordination session: %v", err)
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go util.AwaitSignal(ctx, cancel)

	adapter, err := mysql.New(ctx, *mysqlURI)
	if err != nil {
		klog.Exitf("Failed to connect to MySQL: %v", err)
	}
	defer adapter.Close()

	selfID := *watcherID
	if selfID == "" {
		hostname, _ := os.Hostname()
		selfID = fmt.Sprintf("%s.%d", hostname, os.Getpid())
	}

	wd := watcher.New(watcher.Config{
		SelfID: selfID,
		Paths: coordination.Paths{
			ActiveMaster:  *activeMasterPath,
			State:         *statePath,
			ClientData:    *clientDataPath,
			MastersDir:    *mastersDir,
			MigrationLock: *migrationLock,
		},
		MaxConvergenceWait: *maxConvergenceWait,
		PollInterval:       *pollInterval,
		ClientData:         []byte(*clientData),
		MigrationsDir:      *migrationsDir,
		MetricFactory:      prometheus.MetricFactory{Prefix: "watchdog_"},
	}, session, adapter)

	if endpoint := *httpEndpoint; endpoint != "" {
		http.Handle("/metrics", promhttp.Handler())
		http.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
			hctx, hcancel := context.WithTimeout(req.Context(), *healthzTimeout)
			defer hcancel()
			if err := wd.Healthz(hctx); err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				rw.Write([]byte(err.Error()))
				return
			}
			rw.Write([]byte("ok"))
		})
		go func() {
			klog.Infof("HTTP server starting on %v", endpoint)
			if err := http.ListenAndServe(endpoint, nil); err != nil {
				klog.Errorf("HTTP server stopped: %v", err)
			}
		}()
	}

	if err := wd.Run(ctx); err != nil && err != context.Canceled {
		klog.Exitf("Watchdog exited with error: %v", err)
	}

	klog.Infof("Stopping watchdog, about to exit")
}
