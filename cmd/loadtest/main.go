package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status        int
	ReservationID string
	Err           error
}

type reserveReq struct {
	ProductID string `json:"product_id"`
	OrderID   string `json:"order_id"`
	Quantity  int64  `json:"quantity"`
}

type itemView struct {
	ProductID    string `json:"product_id"`
	AvailableQty int64  `json:"available_qty"`
	ReservedQty  int64  `json:"reserved_qty"`
	Version      int64  `json:"version"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.String("product", "", "product id (default: random)")
	stock := flag.Int64("stock", 50, "initial available quantity")
	threshold := flag.Int64("threshold", 10, "reorder threshold")
	quantity := flag.Int64("qty", 1, "quantity per reservation")

	// 超卖测试参数：200 个订单并发抢 50 件
	nOrders := flag.Int("orders", 200, "distinct orders")
	concurrency := flag.Int("c", 50, "max concurrency")
	repeats := flag.Int("repeat", 20, "requests for one repeated order")
	flag.Parse()

	if *productID == "" {
		*productID = "loadtest-" + uuid.NewString()[:8]
	}
	client := &http.Client{Timeout: 10 * time.Second}

	if err := doPOST(client, *baseURL+"/api/inventory", map[string]any{
		"product_id":        *productID,
		"quantity":          *stock,
		"reorder_threshold": *threshold,
	}); err != nil {
		fail("register stock: %v", err)
	}
	fmt.Printf("registered product=%s stock=%d threshold=%d\n", *productID, *stock, *threshold)

	// 1) 不超卖测试：不同订单并发
	fmt.Printf("start oversell test: orders=%d qty=%d concurrency=%d\n", *nOrders, *quantity, *concurrency)
	start := time.Now()
	results := runReserve(client, *baseURL, *concurrency, func(i int) reserveReq {
		return reserveReq{ProductID: *productID, OrderID: fmt.Sprintf("order-%d", i+1), Quantity: *quantity}
	}, *nOrders)
	fmt.Printf("done in %s\n", time.Since(start).Round(time.Millisecond))
	printSummary("oversell", results)

	// 2) 幂等测试：同一订单重复请求只应占用一次
	repeatedOrder := "order-repeat-" + uuid.NewString()[:8]
	fmt.Printf("\nstart idempotency test: order=%s requests=%d\n", repeatedOrder, *repeats)
	results2 := runReserve(client, *baseURL, *repeats, func(int) reserveReq {
		return reserveReq{ProductID: *productID, OrderID: repeatedOrder, Quantity: *quantity}
	}, *repeats)
	printSummary("repeat", results2)

	item, err := getItem(client, *baseURL, *productID)
	if err != nil {
		fail("get item: %v", err)
	}
	fmt.Printf("\nfinal counters: available=%d reserved=%d version=%d\n", item.AvailableQty, item.ReservedQty, item.Version)

	held := countHeld(results) * *quantity
	ids := distinctIDs(results2)
	if len(ids) > 1 {
		fail("repeated order produced %d reservations: %v", len(ids), ids)
	}
	if len(ids) == 1 {
		held += *quantity
	}

	switch {
	case item.AvailableQty < 0:
		fail("oversold: available=%d", item.AvailableQty)
	case item.ReservedQty > *stock:
		fail("oversold: reserved=%d > stock=%d", item.ReservedQty, *stock)
	case item.AvailableQty+item.ReservedQty != *stock:
		fail("counters drifted: available+reserved=%d, stock=%d", item.AvailableQty+item.ReservedQty, *stock)
	case item.ReservedQty != held:
		// 过期清扫可能在压测期间释放部分预留
		fmt.Printf("note: reserved=%d but %d was held by successful requests\n", item.ReservedQty, held)
	}
	fmt.Println("no oversell")
}

func runReserve(client *http.Client, baseURL string, concurrency int, build func(int) reserveReq, total int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = reserveOnce(client, baseURL, build(idx))
		}(i)
	}

	wg.Wait()
	return results
}

func reserveOnce(client *http.Client, baseURL string, req reserveReq) Result {
	b, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, baseURL+"/api/reservations", bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	res := Result{Status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		var out struct {
			Data struct {
				ReservationID string `json:"reservation_id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &out); err == nil {
			res.ReservationID = out.Data.ReservationID
		}
	}
	return res
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	codes := make([]int, 0, len(count))
	for code := range count {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, count[code])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func countHeld(results []Result) int64 {
	var n int64
	for _, r := range results {
		if r.Status == http.StatusOK {
			n++
		}
	}
	return n
}

func distinctIDs(results []Result) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range results {
		if r.ReservationID != "" && !seen[r.ReservationID] {
			seen[r.ReservationID] = true
			out = append(out, r.ReservationID)
		}
	}
	return out
}

func doPOST(client *http.Client, url string, body any) error {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// getItem 查询最终库存计数，用于压测后校验是否出现超卖。
func getItem(client *http.Client, baseURL, productID string) (itemView, error) {
	resp, err := client.Get(baseURL + "/api/inventory/" + productID)
	if err != nil {
		return itemView{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return itemView{}, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int      `json:"code"`
		Data itemView `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return itemView{}, err
	}
	return out.Data, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
