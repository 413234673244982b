// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// The provisio service issues enrollment tokens and device certificates and
// maintains the device hierarchy registry.
package main

import (
	"crypto/sha256"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/provisio/core/access"
	"github.com/relabs-tech/provisio/core/csql"
	"github.com/relabs-tech/provisio/core/logger"
	persist "github.com/relabs-tech/provisio/core/registry"
	"github.com/relabs-tech/provisio/core/schema"
	"github.com/relabs-tech/provisio/enroll/api"
	"github.com/relabs-tech/provisio/enroll/ca"
	"github.com/relabs-tech/provisio/enroll/certstore"
	"github.com/relabs-tech/provisio/enroll/notify"
	"github.com/relabs-tech/provisio/enroll/registry"
	"github.com/relabs-tech/provisio/enroll/store/postgres"
	"github.com/relabs-tech/provisio/enroll/token"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=" description:"password to the Postgres DB"`
	Port             string `env:"PORT,default=3000" description:"the port the service listens on"`
	CACertFile       string `env:"CA_CERT_FILE,required" description:"file path to the X509 certificate of the certificate authority"`
	CAKeyFile        string `env:"CA_KEY_FILE,required" description:"file path to the X509 private key of the certificate authority"`
	JwtSecret        string `env:"JWT_SECRET,required" description:"HMAC secret for account bearer tokens"`
	CertsDir         string `env:"CERTS_DIR,default=certs" description:"base folder of the local certificate archive"`
	CertsDriver      string `env:"CERTS_DRIVER,default=local" description:"certificate archive driver, local or s3"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,default=" description:"comma separated Kafka broker addresses, empty disables eventing"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"log level"`
	S3               certstore.S3Configuration
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "provisio")
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
		Secret: service.JwtSecret,
	}))

	signer := ca.New(&ca.Builder{
		CACertFile: service.CACertFile,
		CAKeyFile:  service.CAKeyFile,
	})

	// remember the certificate authority across restarts, a silent rotation
	// would invalidate all previously issued device certificates
	serviceRegistry := persist.New(db).Accessor("provisio")
	fingerprint := fmt.Sprintf("%x", sha256.Sum256(signer.RootCertificatePEM()))
	var knownFingerprint string
	writtenAt, err := serviceRegistry.Read("ca_fingerprint", &knownFingerprint)
	if err != nil {
		log.Fatalf("cannot read service registry: %v", err)
	}
	if !writtenAt.IsZero() && knownFingerprint != fingerprint {
		logger.Default().Warnln("certificate authority changed since", writtenAt)
	}
	if err := serviceRegistry.Write("ca_fingerprint", fingerprint); err != nil {
		log.Fatalf("cannot write service registry: %v", err)
	}

	var archive certstore.Driver
	switch certstore.DriverType(service.CertsDriver) {
	case certstore.DriverTypeLocal:
		archive, err = certstore.NewLocalFilesystem(service.CertsDir)
	case certstore.DriverTypeS3:
		archive, err = certstore.NewS3(service.S3)
	case certstore.DriverTypeNone:
		// no archive, certificates are only returned on submission
	default:
		log.Fatalf("unknown certificate archive driver %q", service.CertsDriver)
	}
	if err != nil {
		log.Fatalf("cannot create certificate archive: %v", err)
	}

	var notifier *notify.Publisher
	if len(service.KafkaBrokers) > 0 {
		notifier = notify.New(&notify.Builder{
			Brokers: strings.Split(service.KafkaBrokers, ","),
		})
		defer notifier.Close()
	}

	validator, err := schema.NewValidator([]string{api.DeviceSchema}, []string{})
	if err != nil {
		log.Fatalf("cannot create payload validator: %v", err)
	}

	store := postgres.New(db)
	tokens := token.New(&token.Builder{
		Store:   store,
		Signer:  signer,
		Archive: archive,
	})
	deviceRegistry := registry.New(&registry.Builder{
		Store: store,
	})

	api.New(&api.Builder{
		Router:             router,
		Tokens:             tokens,
		Registry:           deviceRegistry,
		RootCertificatePEM: signer.RootCertificatePEM(),
		Archive:            archive,
		Notifier:           notifier,
		Validator:          validator,
	})

	log.Println("listen on port :" + service.Port)
	log.Fatal(http.ListenAndServe(":"+service.Port,
		handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Accept", "Content-Type", "Authorization"}),
		)(handlers.CompressHandler(router))))
}
