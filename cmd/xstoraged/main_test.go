package main

import (
	"context"
	"net/http"

	"github.com/loafoe/go-xstorage"
)

const testHost = "xstorage.local"

// deviceSections is what a customer account typically sees: the technician
// endpoints are refused.
type deviceSections map[xstorage.Section]xstorage.Document

func (d deviceSections) Fetch(_ context.Context, ep xstorage.Endpoint) (xstorage.Document, error) {
	if doc, ok := d[ep.Section]; ok {
		return doc.Clone(), nil
	}
	return nil, &xstorage.APIError{Path: ep.Path, Status: http.StatusForbidden, Description: "forbidden"}
}

func customerDevice() deviceSections {
	return deviceSections{
		xstorage.SectionStatus: {
			"energyFlow": map[string]any{
				"stateOfCharge":      76.0,
				"batteryBackupLevel": 20.0,
				"gridValue":          -350.0,
			},
		},
		xstorage.SectionDevice: {
			"firmwareVersion":      "1.2.3",
			"inverterModelName":    "Xtreme",
			"inverterSerialNumber": "INV1",
			"bmsFirmwareVersion":   "4.5",
		},
		xstorage.SectionSettings:                 {"bmsBackupLevel": 20.0},
		xstorage.SectionConfigState:              {},
		xstorage.SectionMetrics:                  {},
		xstorage.SectionMetricsDaily:             {},
		xstorage.SectionSchedule:                 {},
		xstorage.SectionNotifications:            {"results": []any{}},
		xstorage.SectionUnreadNotificationsCount: {"total": 2.0},
	}
}

func newTestCoordinator() *xstorage.Coordinator {
	return xstorage.NewCoordinator(customerDevice(), xstorage.WithDeviceHost(testHost))
}
