// Package api exposes the HTTP surface for submitting tasks, polling their
// status, reading thought-process journals and inspecting the tool catalog.
package api
