// Copyright 2025 MediGrid
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

// Package base defines the contracts shared by all relational store
// connectors: the Store interface (a named, bounded connection pool), the
// Dialect interface (how a driver binds and resets per-connection schema
// resolution), and the common configuration and error types.
//
// The tenancy layer depends only on this package; concrete drivers live in
// sibling packages (postgres, mysql) and are selected by configuration.
package base
