/*
 * Copyright 2025 The Subspace Authors.
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
 */

package client

type options struct {
	reliable       bool
	public         bool
	bridge         bool
	typ            string
	passActivation bool
}

// Option configures a publisher or subscriber at creation time.
type Option func(*options)

// Reliable makes delivery lossless between reliable publishers and
// reliable subscribers: the publisher blocks instead of overwriting
// messages a reliable subscriber has not consumed.
func Reliable() Option {
	return func(o *options) { o.reliable = true }
}

// Public marks the channel visible to bridges on other hosts.
func Public() Option {
	return func(o *options) { o.public = true }
}

// Bridge marks the participant as a TCP bridge endpoint. Bridge
// publishers forward prefixes verbatim and send no activation message.
func Bridge() Option {
	return func(o *options) { o.bridge = true }
}

// WithType attaches a type tag to the channel. The first non-empty tag
// wins; later participants requesting a different tag are refused.
func WithType(t string) Option {
	return func(o *options) { o.typ = t }
}

// PassActivation delivers reliable publishers' activation messages to the
// subscriber instead of skipping them.
func PassActivation() Option {
	return func(o *options) { o.passActivation = true }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
