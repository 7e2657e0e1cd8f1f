/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Serve answers HTTP requests from the files in dir until ctx is done, then
// shuts down gracefully.
func Serve(ctx context.Context, dir, listen string) error {
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	return serve(ctx, l, dir)
}

func serve(ctx context.Context, l net.Listener, dir string) error {
	srv := &http.Server{
		Handler:           logRequests(ctx, payloadOnly(http.FileServer(http.Dir(dir)))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.G(ctx).WithField("address", l.Addr().String()).Info("probe serving")
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return eg.Wait()
}

// payloadOnly restricts h to the status payload. Other files in the
// directory, such as the process log, and directory listings are not served.
func payloadOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch path.Clean(r.URL.Path) {
		case "/", "/" + indexFile, "/" + statusFile:
			h.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func logRequests(ctx context.Context, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.G(ctx).WithFields(log.Fields{
			"remote": r.RemoteAddr,
			"path":   r.URL.Path,
		}).Debug("probe request")
		h.ServeHTTP(w, r)
	})
}
