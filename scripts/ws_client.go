// Package main runs a demo dispatcher client: it listens on the realtime
// channel while a driver action is posted, and prints what arrives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joe14all/lab-portal-sub002/internal/fieldclient"
	"github.com/joe14all/lab-portal-sub002/internal/logging"
	"github.com/joe14all/lab-portal-sub002/internal/queue"
	"github.com/joe14all/lab-portal-sub002/internal/realtime"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	log := logging.New("info", "console")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer lab_demo:dispatcher:u_demo")
	ch := realtime.NewChannel(realtime.Config{
		URL:    fmt.Sprintf("ws://localhost:%s/ws", port),
		Header: hdr,
		Logger: log,
	})
	ch.OnAny(func(m realtime.Message) {
		log.Info().Str("type", string(m.Type)).Str("data", string(m.Data)).Msg("WS <-")
	})
	if err := ch.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer ch.Disconnect()

	exec := fieldclient.NewExecutor(fieldclient.Config{
		BaseURL: base,
		Token:   "lab_demo:driver:d_demo",
		Secret:  os.Getenv("LABPORTAL_SERVER_ACTION_SECRET"),
		Logger:  log,
	})
	time.Sleep(200 * time.Millisecond)
	for _, step := range []struct {
		t       queue.ActionType
		payload string
	}{
		{queue.ActionStartRoute, `{"routeId":"r_demo"}`},
		{queue.ActionUpdateLocation, `{"routeId":"r_demo","location":{"lat":40.7128,"lon":-74.0060}}`},
		{queue.ActionUpdateStopStatus, `{"routeId":"r_demo","stopId":"s_demo","status":"arrived"}`},
	} {
		res, err := exec.Execute(ctx, step.t, json.RawMessage(step.payload))
		if err != nil {
			log.Fatal().Err(err).Str("action_type", string(step.t)).Msg("execute")
		}
		log.Info().Str("action_type", string(step.t)).Interface("result", res).Msg("HTTP ->")
	}

	<-ctx.Done()
}
