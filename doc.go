// Copyright 2024 Kaycloud, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package okhttp is an HTTP/1.1 and HTTP/2 client core built around
// four cooperating subsystems:
//
//   - A Dispatcher that schedules synchronous and asynchronous calls
//     under a global concurrency limit and a per-host limit.
//   - An interceptor chain: one composable pipeline that folds retries
//     and redirects, header bridging, an RFC 7234 response cache, and
//     transport invocation into a single data path. Applications can
//     insert their own interceptors before the retry loop or around
//     the wire exchange.
//   - A connection pool with route selection: DNS results and proxy
//     choices are enumerated into candidate routes, recently-failed
//     routes are deferred, established connections are reused, and
//     HTTP/2 connections are coalesced across hostnames that share an
//     IP and a certificate.
//   - Certificate pinning, constraining which chains are trusted per
//     hostname pattern.
//
// The wire codecs that frame HTTP/1.1 and HTTP/2 are collaborators
// behind the ExchangeCodec interface, supplied with WithCodecFactory.
//
// Create one Client and share it; every client owns a connection pool
// (and a dispatcher, unless WithDispatcher shares one), and holding
// several defeats reuse:
//
//	client, err := okhttp.NewClient(
//		okhttp.WithCodecFactory(codecs.New),
//		okhttp.WithCache(okhttp.NewCache(store)),
//	)
//	if err != nil {
//		// ...
//	}
//	req, _ := okhttp.NewRequest("https://example.com/")
//	resp, err := client.NewCall(req).Execute()
//	if err != nil {
//		// ...
//	}
//	defer resp.Close()
//
// Response bodies stream from the network and must be closed; a body
// dropped without Close pins its connection until the leak detector
// reclaims it and logs a warning, which names the acquisition site when
// debug logging was enabled at acquisition.
package okhttp
