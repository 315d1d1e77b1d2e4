package server

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

// ordersJSONL builds one single-line order per date, newest last.
func ordersJSONL(item string, price float64, last time.Time, days, count int) string {
	var b strings.Builder
	for i := count - 1; i >= 0; i-- {
		d := last.AddDate(0, 0, -days*i).Format(time.DateOnly)
		fmt.Fprintf(&b, `{"orderId":"%s@%s","date":"%s","items":[{"item":"%s","quantity":1,"price":%g}]}`+"\n", item, d, d, item, price)
	}
	return b.String()
}

func importPantry(t *testing.T, srv *Server) map[string]any {
	t.Helper()
	body := ordersJSONL("Rice", 1.2, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), 7, 11) +
		ordersJSONL("Coffee", 4.5, time.Date(2026, 1, 21, 0, 0, 0, 0, time.UTC), 10, 3) +
		`{"orderId":"broken","items":[]}` + "\n"

	w := do(t, srv, "POST", "/api/households/home-1/orders", body)
	if w.Code != http.StatusOK {
		t.Fatalf("import: status = %d; body: %s", w.Code, w.Body.String())
	}
	return decode(t, w)
}

func TestImportOrders(t *testing.T) {
	srv, _ := testServer(t)
	resp := importPantry(t, srv)

	if resp["skipped"] != float64(1) {
		t.Errorf("skipped = %v, want 1", resp["skipped"])
	}
	result := resp["result"].(map[string]any)
	if result["orders"] != float64(14) || result["purchases"] != float64(14) {
		t.Errorf("result = %v, want 14 orders and purchases", result)
	}
	if cad := result["cadence"].(map[string]any); cad["items"] != float64(2) {
		t.Errorf("cadence = %v, want 2 items", cad)
	}
}

func TestImportOrdersSkipsBlankItemName(t *testing.T) {
	srv, _ := testServer(t)
	body := `{"orderId":"milk","date":"2026-03-01","items":[{"item":"Milk","quantity":1}]}
{"orderId":"blank","date":"2026-03-02","items":[{"item":"   ","quantity":1}]}`

	w := do(t, srv, "POST", "/api/households/home-1/orders", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["skipped"] != float64(1) {
		t.Errorf("skipped = %v, want 1", resp["skipped"])
	}
	if n := resp["result"].(map[string]any)["purchases"]; n != float64(1) {
		t.Errorf("purchases = %v, want 1", n)
	}
}

func TestImportOrdersBrokenArray(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv, "POST", "/api/households/home-1/orders", `[{"orderId":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetContext(t *testing.T) {
	srv, _ := testServer(t)
	importPantry(t, srv)

	w := do(t, srv, "GET", "/api/households/home-1/context", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	ctx := decode(t, w)
	if ctx["householdId"] != "home-1" {
		t.Errorf("householdId = %v", ctx["householdId"])
	}
	frequent := ctx["frequentItems"].([]any)
	if len(frequent) != 2 {
		t.Fatalf("frequentItems = %d, want 2", len(frequent))
	}
	first := frequent[0].(map[string]any)["item"].(map[string]any)
	if first["name"] != "Rice" {
		t.Errorf("most frequent = %v, want Rice", first["name"])
	}
}

func TestRestock(t *testing.T) {
	srv, _ := testServer(t)
	importPantry(t, srv)

	w := do(t, srv, "GET", "/api/households/home-1/restock", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if n := decode(t, w)["count"]; n != float64(2) {
		t.Errorf("count = %v, want 2", n)
	}

	w = do(t, srv, "GET", "/api/households/home-1/restock?due=true", "")
	resp := decode(t, w)
	items := resp["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("due items = %d, want 1: %s", len(items), w.Body.String())
	}
	if name := items[0].(map[string]any)["item"].(map[string]any)["name"]; name != "Coffee" {
		t.Errorf("due item = %v, want Coffee", name)
	}

	w = do(t, srv, "GET", "/api/households/home-1/restock?asOf=2026-03-20&due=true", "")
	if n := decode(t, w)["count"]; n != float64(2) {
		t.Errorf("due count ten days later = %v, want 2", n)
	}

	w = do(t, srv, "GET", "/api/households/home-1/restock?asOf=tomorrow", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad asOf: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRankSlots(t *testing.T) {
	srv, _ := testServer(t)

	body := `{"earliest":"2026-03-12","slots":[
		{"id":"late","start":"2026-03-20T10:00:00Z","end":"2026-03-20T12:00:00Z","cost":0,"availability":"available"},
		{"id":"soon","start":"2026-03-12T10:00:00Z","end":"2026-03-12T12:00:00Z","cost":0,"availability":"available"}
	]}`
	w := do(t, srv, "POST", "/api/households/home-1/slots/rank", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	slots := decode(t, w)["slots"].([]any)
	if len(slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(slots))
	}
	top := slots[0].(map[string]any)
	if top["slot"].(map[string]any)["id"] != "soon" || top["rank"] != float64(1) {
		t.Errorf("top slot = %v, want soon at rank 1", top)
	}

	w = do(t, srv, "POST", "/api/households/home-1/slots/rank", `{"earliest":"next week"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad earliest: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRankSubstitutes(t *testing.T) {
	srv, _ := testServer(t)

	body := `{"original":{"name":"Leite Mimosa 1L","category":"Dairy"},"originalPrice":1.0,"candidates":[
		{"name":"Detergente Skip","price":1.0,"availability":"available"},
		{"name":"Leite Agros 1L","category":"Dairy","price":1.0,"availability":"available"}
	]}`
	w := do(t, srv, "POST", "/api/households/home-1/substitutes/rank", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	cands := decode(t, w)["candidates"].([]any)
	top := cands[0].(map[string]any)["candidate"].(map[string]any)
	if top["name"] != "Leite Agros 1L" {
		t.Errorf("top candidate = %v, want Leite Agros 1L", top["name"])
	}

	w = do(t, srv, "POST", "/api/households/home-1/substitutes/rank", `{"candidates":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing original: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestRunLifecycle(t *testing.T) {
	srv, _ := testServer(t)
	base := "/api/households/home-1/runs"

	w := do(t, srv, "POST", base, `{"runId":"run-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: status = %d; body: %s", w.Code, w.Body.String())
	}
	if run := decode(t, w); run["outcome"] != "in-progress" || run["finalPhase"] != "init" {
		t.Errorf("started run = %v", run)
	}

	w = do(t, srv, "POST", base, `{"runId":"run-1"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate start: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = do(t, srv, "POST", base+"/run-1/phase", `{"phase":"cart-load"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("phase: status = %d; body: %s", w.Code, w.Body.String())
	}
	w = do(t, srv, "POST", base+"/run-1/phase", `{"phase":"init"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("backward phase: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = do(t, srv, "POST", base+"/run-1/actions", `{"kind":"added","item":"Milk"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("action: status = %d; body: %s", w.Code, w.Body.String())
	}
	if n := decode(t, w)["itemsAdded"]; n != float64(1) {
		t.Errorf("itemsAdded = %v, want 1", n)
	}
	w = do(t, srv, "POST", base+"/run-1/actions", `{"kind":"teleported","item":"Milk"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad action: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	w = do(t, srv, "POST", base+"/missing/actions", `{"kind":"added","item":"Milk"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(t, srv, "POST", base+"/run-1/complete", `{"outcome":"success","finalPhase":"checkout"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status = %d; body: %s", w.Code, w.Body.String())
	}
	w = do(t, srv, "POST", base+"/run-1/complete", `{"outcome":"success"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("complete twice: status = %d, want %d", w.Code, http.StatusConflict)
	}

	w = do(t, srv, "GET", base+"/run-1", "")
	if run := decode(t, w); run["outcome"] != "success" || run["finalPhase"] != "checkout" {
		t.Errorf("completed run = %v", run)
	}
	w = do(t, srv, "GET", base+"/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get unknown run: status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(t, srv, "GET", base, "")
	if n := decode(t, w)["count"]; n != float64(1) {
		t.Errorf("run count = %v, want 1", n)
	}
}

func TestStartRunGeneratesID(t *testing.T) {
	srv, _ := testServer(t)
	w := do(t, srv, "POST", "/api/households/home-1/runs", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if id, _ := decode(t, w)["runId"].(string); len(id) != 36 {
		t.Errorf("runId = %q, want a UUID", id)
	}
}

func TestRecordSubstitution(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/households/home-1/runs", `{"runId":"run-1"}`)

	body := `{"runId":"run-1","originalItem":{"name":"Leite Mimosa 1L"},"substituteItem":{"name":"Leite Agros 1L"},
		"originalPrice":2.0,"substitutePrice":2.5,"outcome":"accepted"}`
	w := do(t, srv, "POST", "/api/households/home-1/substitutions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	rec := decode(t, w)
	if rec["priceDeltaPercent"] != float64(25) || rec["runId"] != "run-1" {
		t.Errorf("record = %v", rec)
	}

	w = do(t, srv, "GET", "/api/households/home-1/runs/run-1", "")
	run := decode(t, w)
	if run["substitutionsMade"] != float64(1) || run["substitutionsAccepted"] != float64(1) {
		t.Errorf("run counters = %v / %v, want 1 / 1", run["substitutionsMade"], run["substitutionsAccepted"])
	}

	w = do(t, srv, "POST", "/api/households/home-1/substitutions", `{"originalItem":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	w = do(t, srv, "POST", "/api/households/home-1/substitutions", `{"originalItem":{"name":"A"},"substituteItem":{"name":"B"},"outcome":"maybe"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad outcome: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
