package routers

import (
	"cron-keeper/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up the upkeep, query and admin HTTP routes
func RegisterRoutes(r *mux.Router, h *handlers.Handler, adminToken string) {

	// Called by the automation registry: is work due, and if so which
	r.HandleFunc("/upkeep/check", h.CheckUpkeep).Methods("POST")

	// Performs the action returned by check, re-validating it first
	r.HandleFunc("/upkeep/perform", h.PerformUpkeep).Methods("POST")

	r.HandleFunc("/networks", h.GetNetworks).Methods("GET")
	r.HandleFunc("/networks/leader", h.GetLeader).Methods("GET")
	r.HandleFunc("/jobs", h.GetJobs).Methods("GET")
	r.HandleFunc("/treasury", h.GetTreasury).Methods("GET")
	r.HandleFunc("/events", h.GetEvents).Methods("GET")

	// Admin routes require the shared admin token
	admin := r.NewRoute().Subrouter()
	admin.Use(handlers.AdminOnly(adminToken))
	admin.HandleFunc("/networks", h.AddNetwork).Methods("POST")
	admin.HandleFunc("/networks/{name}", h.RemoveNetwork).Methods("DELETE")
	admin.HandleFunc("/networks/{name}/window", h.SetWindow).Methods("PUT")
	admin.HandleFunc("/treasury/params", h.SetTreasuryParams).Methods("PUT")
	admin.HandleFunc("/treasury/refill", h.Refill).Methods("POST")
}
