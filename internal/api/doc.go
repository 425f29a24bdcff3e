// Package api provides the federation coordination HTTP surface shared
// by worker, mining-pool, and validator nodes.
//
//	@title						TPN Federation Core API
//	@version					1.0
//	@description				Coordination API for worker/mining-pool/validator VPN federation nodes
//	@BasePath					/
//	@securityDefinitions.apikey	ApiKeyAuth
//	@in							query
//	@name						api_key
package api
