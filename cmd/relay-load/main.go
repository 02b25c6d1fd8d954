// Command relay-load is a relay load generator. It runs a number of
// authenticated client connections to a server, adds their tokens to a
// channel through the management routes, then for a given duration
// publishes messages to that channel and collects delivery latencies
// and statistics.
//
// The backend application must accept the generated auth tokens.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trippledave/drupal-nodejs/admin"
	"github.com/trippledave/drupal-nodejs/client"
	"github.com/trippledave/drupal-nodejs/message"
)

var (
	addrFlag     = flag.String("addr", "ws://localhost:8080/ws", "Websocket `address` of the server.")
	adminFlag    = flag.String("admin", "http://localhost:8080/nodejs/", "Base `URL` of the management routes.")
	channelFlag  = flag.String("ch", "load", "Name of the `channel` to publish to.")
	connFlag     = flag.Int("c", 100, "Number of `connections`.")
	durationFlag = flag.Duration("d", 10*time.Second, "Run `duration`.")
	delayFlag    = flag.Duration("delay", 0, "Start execution after `delay`.")
	helpFlag     = flag.Bool("help", false, "Show help.")
	keyFlag      = flag.String("k", "", "Service `key` of the management routes.")
	payloadFlag  = flag.String("p", "100", "Message `payload`.")
	rateFlag     = flag.Duration("r", 100*time.Millisecond, "Publish `rate`.")
	tokenFlag    = flag.String("t", "load-%d", "Auth token `format`, formatted with the connection index.")
	waitFlag     = flag.Duration("w", 5*time.Second, "Wait `duration` for connections to setup and stop.")
)

// loadMsg is the message published to the channel.
type loadMsg struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	SentAt  int64  `json:"sentAt"`
	Payload string `json:"payload"`
}

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	log.SetFlags(0)

	if *connFlag <= 0 {
		log.Fatalf("invalid -c value, must be greater than 0")
	}

	<-time.After(*delayFlag)

	stats := &runStats{
		Addr:     *addrFlag,
		Admin:    *adminFlag,
		Channel:  *channelFlag,
		Payload:  *payloadFlag,
		Conns:    *connFlag,
		Rate:     *rateFlag,
		Duration: *durationFlag,
	}
	adm := &adminClient{Base: stats.Admin, Key: *keyFlag}

	parsed, err := url.Parse(stats.Addr)
	if err != nil {
		log.Fatalf("failed to parse --addr: %v", err)
	}
	parsed.Scheme = strings.Replace(parsed.Scheme, "ws", "http", 1)
	parsed.Path = "/debug/vars"
	before := getExpVars(parsed)

	if ok, err := adm.checkChannel(stats.Channel); err != nil {
		log.Fatalf("failed to check channel: %v", err)
	} else if !ok {
		if err := adm.addChannel(stats.Channel); err != nil {
			log.Fatalf("failed to add channel: %v", err)
		}
	}

	clientStarted := make(chan struct{})
	resLatency := make(chan []time.Duration)
	stop := make(chan struct{})
	for i := 0; i < stats.Conns; i++ {
		go runClient(stats, adm, fmt.Sprintf(*tokenFlag, i), clientStarted, stop, resLatency)
	}

	// start clients with some jitter, up to 10ms
	log.Printf("%d connections started...", stats.Conns)
	for i := 0; i < stats.Conns; i++ {
		<-time.After(time.Duration(rand.Intn(int(10 * time.Millisecond))))
		<-clientStarted
	}

	start := time.Now()
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		runPublisher(stats, adm, stop)
	}()

	// run for the requested duration and signal stop
	<-time.After(stats.Duration)
	close(stop)
	<-pubDone
	log.Printf("stopping...")

	// wait for completion
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-time.After(*waitFlag):
			log.Fatalf("failed to stop clients")
		}
	}()

	var latencies []time.Duration
	for i := 0; i < stats.Conns; i++ {
		latencies = append(latencies, <-resLatency...)
	}
	close(done)

	stats.ActualDuration = time.Since(start)
	log.Printf("stopped.")

	after := getExpVars(parsed)

	ts := templateStats{Run: stats, Before: before, After: after, Counters: counters, Latencies: latencies}
	if err := tpl.Execute(os.Stdout, ts); err != nil {
		log.Fatalf("template.Execute failed: %v", err)
	}
}

func getExpVars(u *url.URL) *expVars {
	res, err := http.Get(u.String())
	if err != nil {
		log.Fatalf("failed to fetch /debug/vars: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		log.Fatalf("failed to fetch /debug/vars: %d %s", res.StatusCode, res.Status)
	}

	var ev expVars
	if err := json.NewDecoder(res.Body).Decode(&ev); err != nil {
		log.Fatalf("failed to decode expvars: %v", err)
	}
	return &ev
}

func runPublisher(stats *runStats, adm *adminClient, stop <-chan struct{}) {
	var seq int64
	for {
		select {
		case <-stop:
			return
		case <-time.After(stats.Rate):
		}

		seq++
		m := &loadMsg{
			Channel: stats.Channel,
			Type:    "load",
			Seq:     seq,
			SentAt:  time.Now().UnixNano(),
			Payload: stats.Payload,
		}
		atomic.AddInt64(&stats.Published, 1)
		n, err := adm.publish(m)
		if err != nil {
			atomic.AddInt64(&stats.Failed, 1)
			log.Printf("publish failed: %v", err)
			continue
		}
		atomic.AddInt64(&stats.Sent, int64(n))
	}
}

func runClient(stats *runStats, adm *adminClient, token string, started chan<- struct{}, stop <-chan struct{}, resLatencies chan<- []time.Duration) {
	var mu sync.Mutex // protects latencies slice
	var latencies []time.Duration

	cli, err := client.Dial(&websocket.Dialer{}, stats.Addr, nil,
		client.SetHandler(client.HandlerFunc(func(ctx context.Context, m message.Msg) {
			pub, ok := m.(*message.Publish)
			if !ok || pub.Channel != stats.Channel {
				return
			}
			var lm loadMsg
			if err := json.Unmarshal(pub.Raw, &lm); err != nil || lm.Type != "load" {
				return
			}
			dur := time.Since(time.Unix(0, lm.SentAt))

			mu.Lock()
			latencies = append(latencies, dur)
			mu.Unlock()
			atomic.AddInt64(&stats.Received, 1)
		})))
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}

	if err := cli.Authenticate(token, nil); err != nil {
		log.Fatalf("Authenticate failed: %v", err)
	}

	// the token is known to the server once the authentication
	// completed, retry until then.
	deadline := time.Now().Add(*waitFlag)
	for {
		err := adm.addAuthToken(stats.Channel, token)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("failed to add %s to channel: %v", token, err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	started <- struct{}{}
	<-stop

	// leave some time for in-flight messages
	time.Sleep(100 * time.Millisecond)
	if err := cli.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	resLatencies <- latencies
}

// adminClient calls the management routes of the server.
type adminClient struct {
	Base string
	Key  string
	HTTP *http.Client
}

type adminResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Result bool   `json:"result"`
	Sent   int    `json:"sent"`
}

func (a *adminClient) call(method, path string, body interface{}) (*adminResponse, error) {
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, strings.TrimSuffix(a.Base, "/")+"/"+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(admin.ServiceKeyHeader, a.Key)

	hc := a.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var ar adminResponse
	if err := json.NewDecoder(res.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("%s %s: %d %s: %w", method, path, res.StatusCode, res.Status, err)
	}
	if res.StatusCode >= 300 || ar.Error != "" {
		msg := ar.Error
		if msg == "" {
			msg = res.Status
		}
		return &ar, errors.New(msg)
	}
	return &ar, nil
}

func (a *adminClient) checkChannel(ch string) (bool, error) {
	res, err := a.call(http.MethodGet, "channel/check/"+url.PathEscape(ch), nil)
	if err != nil {
		return false, err
	}
	return res.Result, nil
}

func (a *adminClient) addChannel(ch string) error {
	_, err := a.call(http.MethodPost, "channel/add/"+url.PathEscape(ch), nil)
	return err
}

func (a *adminClient) addAuthToken(ch, token string) error {
	_, err := a.call(http.MethodPost, "authtoken/channel/add/"+url.PathEscape(ch)+"/"+url.PathEscape(token), nil)
	return err
}

func (a *adminClient) publish(m *loadMsg) (int, error) {
	res, err := a.call(http.MethodPost, "publish", m)
	if err != nil {
		return 0, err
	}
	return res.Sent, nil
}
