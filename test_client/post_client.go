package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
)

func main() {
	addr := flag.String("addr", "localhost:8081", "Sink address to post to")
	flag.Parse()

	base := fmt.Sprintf("http://%s", *addr)

	// Sample payloads exercising the sink: plain text, JSON, non-ASCII
	// UTF-8, and raw bytes that are not valid UTF-8.
	samples := []struct {
		path        string
		contentType string
		body        []byte
	}{
		{"/foo/bar", "text/plain", []byte("hello")},
		{"/webhook/order", "application/json", []byte(`{"order_id":42,"status":"shipped"}`)},
		{"/greeting", "text/plain; charset=utf-8", []byte("héllo")},
		{"/binary", "application/octet-stream", []byte{0xde, 0xad, 0xbe, 0xef, 0xff}},
	}

	for _, sample := range samples {
		resp, err := http.Post(base+sample.path, sample.contentType, bytes.NewReader(sample.body))
		if err != nil {
			log.Fatalf("POST %s failed: %v", sample.path, err)
		}

		reply, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			log.Fatalf("Reading reply for %s failed: %v", sample.path, err)
		}

		log.Printf("POST %s -> %d %s", sample.path, resp.StatusCode, reply)
	}
}
