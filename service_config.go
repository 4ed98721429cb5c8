/*
 *
 * Copyright 2017 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package grpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c-ryan747/grpclib/internal/grpclog"
)

const maxInt = int(^uint(0) >> 1)

// MethodConfig defines the static, client-supplied configuration for a
// particular method. This module has no name resolver (spec Non-goal: no
// service discovery), so unlike upstream grpc-go's service config this is
// never fetched from the network — it is only ever set locally via
// WithDefaultServiceConfig and applied as a per-method default that
// per-call CallOptions still override.
type MethodConfig struct {
	// WaitForReady indicates whether RPCs sent to this method should wait
	// until the connection is ready by default (!failfast).
	WaitForReady *bool
	// Timeout is the default timeout applied to RPCs sent to this method
	// when the caller's context carries no deadline of its own.
	Timeout *time.Duration
	// MaxReqSize is the maximum allowed serialized request size in bytes.
	MaxReqSize *int
	// MaxRespSize is the maximum allowed serialized response size in
	// bytes.
	MaxRespSize *int
}

// ServiceConfig holds the statically-configured defaults for how calls
// over a ClientConn should behave, set once via WithDefaultServiceConfig
// (spec's ambient configuration surface, with the name-resolver-driven
// half of the original design dropped per the module's Non-goals).
type ServiceConfig struct {
	// LB names the load-balancing policy recommended by the defaults.
	// Retained for shape parity; this module only ever connects to a
	// single transport, so it is not applied anywhere.
	LB *string
	// Methods contains a map for the methods in this service. If there is
	// an exact match for a method (i.e. /service/method) in the map, use
	// the corresponding MethodConfig. If there's no exact match, look for
	// the default config for the service (/service/) and use the
	// corresponding MethodConfig if it exists.
	Methods map[string]MethodConfig
}

func parseDuration(s *string) (*time.Duration, error) {
	if s == nil {
		return nil, nil
	}
	if !strings.HasSuffix(*s, "s") {
		return nil, fmt.Errorf("malformed duration %q", *s)
	}
	ss := strings.SplitN((*s)[:len(*s)-1], ".", 3)
	if len(ss) > 2 {
		return nil, fmt.Errorf("malformed duration %q", *s)
	}
	// hasDigits is set if either the whole or fractional part of the number is
	// present, since both are optional but one is required.
	hasDigits := false
	var d time.Duration
	if len(ss[0]) > 0 {
		i, err := strconv.ParseInt(ss[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed duration %q: %v", *s, err)
		}
		d = time.Duration(i) * time.Second
		hasDigits = true
	}
	if len(ss) == 2 && len(ss[1]) > 0 {
		if len(ss[1]) > 9 {
			return nil, fmt.Errorf("malformed duration %q", *s)
		}
		f, err := strconv.ParseInt(ss[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed duration %q: %v", *s, err)
		}
		for i := 9; i > len(ss[1]); i-- {
			f *= 10
		}
		d += time.Duration(f)
		hasDigits = true
	}
	if !hasDigits {
		return nil, fmt.Errorf("malformed duration %q", *s)
	}

	return &d, nil
}

type jsonName struct {
	Service *string
	Method  *string
}

func (j jsonName) generatePath() (string, bool) {
	if j.Service == nil {
		return "", false
	}
	res := "/" + *j.Service + "/"
	if j.Method != nil {
		res += *j.Method
	}
	return res, true
}

// TODO(lyuxuan): delete this struct after cleaning up old service config implementation.
type jsonMC struct {
	Name                    *[]jsonName
	WaitForReady            *bool
	Timeout                 *string
	MaxRequestMessageBytes  *int64
	MaxResponseMessageBytes *int64
}

// TODO(lyuxuan): delete this struct after cleaning up old service config implementation.
type jsonSC struct {
	LoadBalancingPolicy *string
	MethodConfig        *[]jsonMC
}

func parseServiceConfig(js string) (ServiceConfig, error) {
	var rsc jsonSC
	err := json.Unmarshal([]byte(js), &rsc)
	if err != nil {
		grpclog.Warningf("grpc: parseServiceConfig error unmarshaling %s due to %v", js, err)
		return ServiceConfig{}, err
	}
	sc := ServiceConfig{
		LB:      rsc.LoadBalancingPolicy,
		Methods: make(map[string]MethodConfig),
	}
	if rsc.MethodConfig == nil {
		return sc, nil
	}

	for _, m := range *rsc.MethodConfig {
		if m.Name == nil {
			continue
		}
		d, err := parseDuration(m.Timeout)
		if err != nil {
			grpclog.Warningf("grpc: parseServiceConfig error unmarshaling %s due to %v", js, err)
			return ServiceConfig{}, err
		}

		mc := MethodConfig{
			WaitForReady: m.WaitForReady,
			Timeout:      d,
		}
		if m.MaxRequestMessageBytes != nil {
			if *m.MaxRequestMessageBytes > int64(maxInt) {
				mc.MaxReqSize = newInt(maxInt)
			} else {
				mc.MaxReqSize = newInt(int(*m.MaxRequestMessageBytes))
			}
		}
		if m.MaxResponseMessageBytes != nil {
			if *m.MaxResponseMessageBytes > int64(maxInt) {
				mc.MaxRespSize = newInt(maxInt)
			} else {
				mc.MaxRespSize = newInt(int(*m.MaxResponseMessageBytes))
			}
		}
		for _, n := range *m.Name {
			if path, valid := n.generatePath(); valid {
				sc.Methods[path] = mc
			}
		}
	}

	return sc, nil
}

func min(a, b *int) *int {
	if *a < *b {
		return a
	}
	return b
}

func getMaxSize(mcMax, doptMax *int, defaultVal int) *int {
	if mcMax == nil && doptMax == nil {
		return &defaultVal
	}
	if mcMax != nil && doptMax != nil {
		return min(mcMax, doptMax)
	}
	if mcMax != nil {
		return mcMax
	}
	return doptMax
}

func newInt(b int) *int {
	return &b
}

// WithDefaultServiceConfig returns a DialOption that sets the static
// per-method defaults used for calls over the resulting ClientConn,
// parsed from the same JSON shape upstream gRPC implementations accept
// from their name resolver (spec's ambient configuration surface: parsed
// once at Dial time, since this module never talks to a resolver).
func WithDefaultServiceConfig(js string) DialOption {
	return newFuncDialOption(func(o *dialOptions) {
		sc, err := parseServiceConfig(js)
		if err != nil {
			grpclog.Warningf("grpclib: ignoring invalid default service config: %v", err)
			return
		}
		o.defaultServiceConfig = &sc
	})
}

// methodConfigFor looks up the MethodConfig that applies to method,
// preferring an exact "/service/method" match over the service-level
// "/service/" default.
func (sc *ServiceConfig) methodConfigFor(method string) (MethodConfig, bool) {
	if sc == nil {
		return MethodConfig{}, false
	}
	if mc, ok := sc.Methods[method]; ok {
		return mc, true
	}
	i := strings.LastIndex(method, "/")
	if i < 0 {
		return MethodConfig{}, false
	}
	mc, ok := sc.Methods[method[:i+1]]
	return mc, ok
}
