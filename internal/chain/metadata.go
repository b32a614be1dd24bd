package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/turbofakesmile/haos-prediction-markets/internal/middleware"
	"github.com/turbofakesmile/haos-prediction-markets/internal/models"
)

var ErrOrderNotFound = errors.New("order not found")

// ContractMetadataReader reads order metadata straight from getOrder. It only
// works for contracts that keep amounts in the clear.
type ContractMetadataReader struct {
	contract *bind.BoundContract
}

func NewContractMetadataReader(caller bind.ContractCaller, address common.Address) *ContractMetadataReader {
	return &ContractMetadataReader{
		contract: bind.NewBoundContract(address, OrderBookABI, caller, nil, nil),
	}
}

func (r *ContractMetadataReader) Resolve(ctx context.Context, orderID uint64) (models.OrderMetadata, error) {
	var out []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, methodGetOrder, toBig(orderID)); err != nil {
		return models.OrderMetadata{}, fmt.Errorf("getOrder %d: %w", orderID, err)
	}
	if len(out) != 3 {
		return models.OrderMetadata{}, fmt.Errorf("getOrder %d: expected 3 outputs, got %d", orderID, len(out))
	}
	isSell, ok1 := out[0].(bool)
	amount, ok2 := out[1].(uint32)
	price, ok3 := out[2].(uint32)
	if !ok1 || !ok2 || !ok3 {
		return models.OrderMetadata{}, fmt.Errorf("getOrder %d: unexpected output types %T %T %T", orderID, out[0], out[1], out[2])
	}
	return metadata(isSell, uint64(amount), uint64(price)), nil
}

func metadata(isSell bool, volume, price uint64) models.OrderMetadata {
	side := models.Buy
	if isSell {
		side = models.Sell
	}
	return models.OrderMetadata{Side: side, Price: price, Volume: volume}
}

type scannerOrder struct {
	IsSell bool   `json:"isSell"`
	Amount uint64 `json:"amount"`
	Price  uint64 `json:"price"`
}

// HTTPMetadataResolver asks the order scanner service, which can unseal
// confidential amounts, for GET /order/:id.
type HTTPMetadataResolver struct {
	baseURL string
	client  *http.Client
	breaker *middleware.CircuitBreaker
}

func NewHTTPMetadataResolver(baseURL string, timeout time.Duration, breaker *middleware.CircuitBreaker) *HTTPMetadataResolver {
	if breaker == nil {
		breaker = middleware.NewCircuitBreaker("order-scanner", nil)
	}
	return &HTTPMetadataResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (r *HTTPMetadataResolver) Breaker() *middleware.CircuitBreaker {
	return r.breaker
}

func (r *HTTPMetadataResolver) Resolve(ctx context.Context, orderID uint64) (models.OrderMetadata, error) {
	var result models.OrderMetadata
	var notFound bool

	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		url := r.baseURL + "/order/" + strconv.FormatUint(orderID, 10)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			// the service is healthy, the order just is not there
			notFound = true
			return nil
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("order scanner returned %d", resp.StatusCode)
		}

		var body scannerOrder
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode order scanner response: %w", err)
		}
		result = metadata(body.IsSell, body.Amount, body.Price)
		return nil
	})
	if err != nil {
		return models.OrderMetadata{}, fmt.Errorf("resolve order %d: %w", orderID, err)
	}
	if notFound {
		return models.OrderMetadata{}, fmt.Errorf("resolve order %d: %w", orderID, ErrOrderNotFound)
	}
	return result, nil
}
