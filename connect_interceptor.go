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

package okhttp

// connectInterceptor opens an exchange for the current request: it asks
// the call's finder for a healthy connection and threads the resulting
// exchange into the network half of the chain.
type connectInterceptor struct{}

func (i *connectInterceptor) Intercept(chain Chain) (*Response, error) {
	realChain := chain.(*realChain) //nolint:forcetypeassert // driver-owned position
	exchange, err := realChain.call.initExchange(realChain)
	if err != nil {
		return nil, err
	}
	return realChain.withExchange(exchange).Proceed(realChain.Request())
}
