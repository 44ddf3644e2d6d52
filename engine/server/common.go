package server

import (
	"net/http"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func writeJson(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if obj == nil {
		return
	}
	bytes, err := json.Marshal(obj)
	if err != nil {
		glog.Errorf("marshal response for %s %s: %v", r.Method, r.URL.Path, err)
		return
	}
	if _, err = w.Write(bytes); err != nil {
		glog.V(1).Infof("write response for %s %s: %v", r.Method, r.URL.Path, err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJsonError(w http.ResponseWriter, r *http.Request, httpStatus int, err error) {
	glog.V(1).Infof("%s %s: %v", r.Method, r.URL.Path, err)
	writeJson(w, r, httpStatus, errorResponse{Error: err.Error()})
}

func readJson(r *http.Request, obj interface{}) error {
	return json.NewDecoder(r.Body).Decode(obj)
}
