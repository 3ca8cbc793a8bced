// Package httputil holds the JSON response helpers shared by the API
// handlers. Handlers go through these instead of writing to the
// http.ResponseWriter directly so every endpoint returns the same envelope
// shape.
package httputil
