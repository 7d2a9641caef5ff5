package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.coingecko.com/api/v3/"

// Client CoinGecko REST 客户端
type Client struct {
	baseURL string
	client  *http.Client
}

// CoinImage 币种图片地址
type CoinImage struct {
	Thumb string `json:"thumb"`
	Small string `json:"small"`
	Large string `json:"large"`
}

// CoinDetail coins/{id} 响应（只取用到的字段）
type CoinDetail struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Name   string    `json:"name"`
	Image  CoinImage `json:"image"`
}

// MarketCoin coins/markets 响应条目
type MarketCoin struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Image        string  `json:"image"`
	CurrentPrice float64 `json:"current_price"`
}

// NewClient 创建 REST 客户端
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		client:  &http.Client{Timeout: timeout},
	}
}

// CoinDetail 获取单个币种详情
func (c *Client) CoinDetail(ctx context.Context, id string) (*CoinDetail, error) {
	params := url.Values{}
	params.Set("localization", "false")
	params.Set("tickers", "false")
	params.Set("market_data", "false")
	params.Set("community_data", "false")
	params.Set("developer_data", "false")

	var detail CoinDetail
	if err := c.get(ctx, "coins/"+url.PathEscape(id), params, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// LargeImage 币种大图地址，路径中包含价格频道使用的数字 id
func (c *Client) LargeImage(ctx context.Context, id string) (string, error) {
	detail, err := c.CoinDetail(ctx, id)
	if err != nil {
		return "", err
	}
	return detail.Image.Large, nil
}

// CoinMarkets 按市值分页列出币种
func (c *Client) CoinMarkets(ctx context.Context, vsCurrency string, perPage, page int) ([]MarketCoin, error) {
	params := url.Values{}
	params.Set("vs_currency", vsCurrency)
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("page", strconv.Itoa(page))

	var coins []MarketCoin
	if err := c.get(ctx, "coins/markets", params, &coins); err != nil {
		return nil, err
	}
	return coins, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("coingecko api error: %d %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
