package nethttp

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"darwinrelay/pkg/traffic"
)

// ToNeutralRequest 将 net/http 请求转换为中立 Request 模型
func ToNeutralRequest(r *http.Request, body []byte) *traffic.Request {
	req := traffic.NewRequest()
	req.Method = r.Method
	req.SetURL(r.URL.String())
	for k, vals := range r.Header {
		if len(vals) > 0 {
			req.Headers.Set(k, strings.Join(vals, ", "))
		}
	}
	if r.Host != "" {
		req.Headers.Set("host", r.Host)
	}
	req.Body = body
	return req
}

// ToNeutralResponse 将 net/http 响应转换为中立 Response 模型
func ToNeutralResponse(resp *http.Response, body []byte) *traffic.Response {
	res := traffic.NewResponse()
	res.StatusCode = resp.StatusCode
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			res.Headers.Set(k, vals[0])
		}
	}
	res.Body = body
	return res
}

// ApplyResponse 将中立响应的变更写回 net/http 响应，未变化的多值头部保持原样
func ApplyResponse(dst *http.Response, res *traffic.Response) {
	dst.StatusCode = res.StatusCode
	dst.Status = strconv.Itoa(res.StatusCode) + " " + http.StatusText(res.StatusCode)

	for k := range dst.Header {
		if _, ok := res.Headers[strings.ToLower(k)]; !ok {
			dst.Header.Del(k)
		}
	}
	for k, v := range res.Headers {
		if dst.Header.Get(k) != v {
			dst.Header.Set(k, v)
		}
	}

	dst.Body = io.NopCloser(bytes.NewReader(res.Body))
	dst.ContentLength = int64(len(res.Body))
	if cl := res.Headers.Get("content-length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			dst.ContentLength = n
		}
	}
	dst.TransferEncoding = nil
}
