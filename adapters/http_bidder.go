package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/coriger/rtbkit/errortypes"
	"golang.org/x/net/context/ctxhttp"
)

// RequestData packages together the fields needed to make an http.Request.
type RequestData struct {
	Method  string
	Uri     string
	Body    []byte
	Headers http.Header
}

// ResponseData packages together information from the server's http.Response.
type ResponseData struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// DoRequest makes one outbound call. The error, if any, is one of errortypes.Timeout (ctx
// expired), errortypes.FailedToRequestBids (the call could not be made) or
// errortypes.BadServerResponse (the server answered with a failure status). A response is
// returned whenever the server answered.
func DoRequest(ctx context.Context, client *http.Client, req *RequestData) (*ResponseData, error) {
	httpReq, err := http.NewRequest(req.Method, req.Uri, bytes.NewBuffer(req.Body))
	if err != nil {
		return nil, &errortypes.FailedToRequestBids{Message: err.Error()}
	}
	if req.Headers != nil {
		httpReq.Header = req.Headers
	}

	httpResp, err := ctxhttp.Do(ctx, client, httpReq)
	if err != nil {
		if err == context.DeadlineExceeded {
			return nil, &errortypes.Timeout{Message: fmt.Sprintf("%s %s: %v", req.Method, req.Uri, err)}
		}
		return nil, &errortypes.FailedToRequestBids{Message: err.Error()}
	}
	defer httpResp.Body.Close()

	respBody, err := ioutil.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errortypes.Timeout{Message: fmt.Sprintf("%s %s: %v", req.Method, req.Uri, err)}
		}
		return nil, &errortypes.FailedToRequestBids{Message: err.Error()}
	}

	resp := &ResponseData{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 400 {
		return resp, &errortypes.BadServerResponse{
			Message: fmt.Sprintf("%s responded with failure status: %d", req.Uri, httpResp.StatusCode),
		}
	}
	return resp, nil
}

// JSONHeaders are the headers sent with every JSON body.
func JSONHeaders() http.Header {
	headers := http.Header{}
	headers.Add("Content-Type", "application/json;charset=utf-8")
	headers.Add("Accept", "application/json")
	return headers
}
